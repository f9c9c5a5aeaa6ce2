package features

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSV(t *testing.T) {
	in := "\ufeffProtocolType, service,flag,srcbytes,dstbytes,loggedin,count,srvcount,label\n" +
		"tcp,http,SF,200,3000,1,10,10,normal\n" +
		"icmp,ecr_i,SF,1032,0,0,511,511,smurf\n" +
		"udp,domain_u,SF,abc,0,0,1,1,normal\n" +
		"tcp,http,SF,1,1,7,1,1,normal\n"

	rows, err := ReadCSV(strings.NewReader(in), 100)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.NoError(t, rows[0].Err)
	assert.Equal(t, "http", rows[0].Record.Service)
	assert.Equal(t, 1, rows[0].Record.LoggedIn)

	assert.NoError(t, rows[1].Err)
	assert.Equal(t, 511.0, rows[1].Record.SrvCount)

	var verr *ValidationError
	require.True(t, errors.As(rows[2].Err, &verr))
	assert.Contains(t, verr.Error(), "srcbytes")

	require.Error(t, rows[3].Err)
	assert.Contains(t, rows[3].Err.Error(), "loggedin")

	for i, r := range rows {
		assert.Equal(t, i, r.Index)
	}
}

func TestReadCSVMissingColumns(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("protocoltype,service\ntcp,http\n"), 10)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "srvcount")
}

func TestReadCSVLimit(t *testing.T) {
	in := strings.Join(Names(), ",") + "\n" + strings.Repeat("tcp,http,SF,1,1,0,1,1\n", 3)

	_, err := ReadCSV(strings.NewReader(in), 2)
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	rows, err := ReadCSV(strings.NewReader(in), 3)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestReadCSVEmpty(t *testing.T) {
	_, err := ReadCSV(strings.NewReader(""), 10)
	assert.Error(t, err)
}
