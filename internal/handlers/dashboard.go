package handlers

import (
	"bytes"
	"cmp"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/veil-waf/veil-anomaly/internal/events"
	"github.com/veil-waf/veil-anomaly/internal/features"
	"github.com/veil-waf/veil-anomaly/internal/predict"
	"github.com/veil-waf/veil-anomaly/internal/ratelimit"
)

//go:embed templates/*.html
var templateFS embed.FS

var dashboardTmpl = template.Must(template.New("dashboard.html").Funcs(template.FuncMap{
	"pct": func(v float64) string { return strconv.FormatFloat(v*100, 'f', 2, 64) + "%" },
}).ParseFS(templateFS, "templates/*.html"))

// Number of batch rows shown on the dashboard.
const sampleRows = 20

// DashboardHandler renders the server-side dashboard.
type DashboardHandler struct {
	scorer  *Scorer
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewDashboardHandler creates a new DashboardHandler.
func NewDashboardHandler(scorer *Scorer, limiter *ratelimit.Limiter, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{scorer: scorer, limiter: limiter, logger: logger}
}

type formValues struct {
	Protocol     string
	ServiceGroup string
	FlagGroup    string
	SrcBytes     float64
	DstBytes     float64
	LoggedIn     int
	Count        int
	SrvCount     int
	Explain      bool
}

var defaultForm = formValues{
	Protocol:     "tcp",
	ServiceGroup: features.ServiceGroups[0].Label,
	FlagGroup:    features.FlagGroups[0].Label,
	SrcBytes:     200,
	DstBytes:     3000,
	Count:        10,
	SrvCount:     10,
}

type confidenceRow struct {
	AttackType string
	Value      float64
}

type singleView struct {
	predict.Result
	Confidence  []confidenceRow
	Explanation string
}

type batchView struct {
	Summary predict.BatchSummary
	Sample  []predict.BatchItem
}

type dashboardView struct {
	Mode       string
	Protocols  []string
	Services   []features.Option
	Flags      []features.Option
	Form       formValues
	CanExplain bool
	Single     *singleView
	Batch      *batchView
	Error      string
}

func (dh *DashboardHandler) view(mode string) dashboardView {
	return dashboardView{
		Mode:       mode,
		Protocols:  features.Protocols,
		Services:   features.ServiceGroups,
		Flags:      features.FlagGroups,
		Form:       defaultForm,
		CanExplain: dh.scorer.CanExplain(),
	}
}

// Index handles GET /dashboard?mode=single|batch.
func (dh *DashboardHandler) Index(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode != "batch" {
		mode = "single"
	}
	dh.render(w, http.StatusOK, dh.view(mode))
}

// Predict handles POST /dashboard/predict.
func (dh *DashboardHandler) Predict(w http.ResponseWriter, r *http.Request) {
	v := dh.view("single")
	if dh.limiter.Check(w, r, ratelimit.Predict) {
		return
	}

	form, rec, err := parseForm(r)
	v.Form = form
	if err != nil {
		v.Error = err.Error()
		dh.render(w, http.StatusBadRequest, v)
		return
	}

	res, err := dh.scorer.Single(r.Context(), rec, events.SourceDashboard)
	if err != nil {
		v.Error = err.Error()
		dh.render(w, statusFor(err), v)
		return
	}

	sv := &singleView{Result: res, Confidence: confidenceRows(res.AttackTypeConfidence)}
	if form.Explain {
		sv.Explanation = dh.scorer.Explain(r.Context(), rec, res)
	}
	v.Single = sv
	dh.render(w, http.StatusOK, v)
}

// Batch handles POST /dashboard/batch with a multipart CSV upload.
func (dh *DashboardHandler) Batch(w http.ResponseWriter, r *http.Request) {
	v := dh.view("batch")
	if dh.limiter.Check(w, r, ratelimit.Batch) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBody)
	file, _, err := r.FormFile("file")
	if err != nil {
		v.Error = "Choose a CSV file to upload."
		dh.render(w, http.StatusBadRequest, v)
		return
	}
	defer file.Close()

	rows, err := features.ReadCSV(file, dh.scorer.MaxRows())
	if err != nil {
		v.Error = err.Error()
		dh.render(w, statusFor(err), v)
		return
	}

	out := dh.scorer.Batch(r.Context(), rows, events.SourceDashboard)
	v.Batch = &batchView{Summary: out.Summary, Sample: out.Items[:min(sampleRows, len(out.Items))]}
	dh.render(w, http.StatusOK, v)
}

func (dh *DashboardHandler) render(w http.ResponseWriter, code int, v dashboardView) {
	var buf bytes.Buffer
	if err := dashboardTmpl.Execute(&buf, v); err != nil {
		dh.logger.Error("render dashboard failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	buf.WriteTo(w)
}

// parseForm maps the dashboard form onto a record. The returned form values
// echo the input back into the page.
func parseForm(r *http.Request) (formValues, features.Record, error) {
	f := defaultForm
	if err := r.ParseForm(); err != nil {
		return f, features.Record{}, fmt.Errorf("invalid form: %w", err)
	}

	var problems []string
	num := func(name string, dst *float64) {
		s := strings.TrimSpace(r.PostFormValue(name))
		if s == "" {
			problems = append(problems, name+" is required")
			return
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			problems = append(problems, name+" must be a number")
			return
		}
		*dst = v
	}
	var loggedIn, count, srvCount float64
	f.Protocol = r.PostFormValue("protocol")
	f.ServiceGroup = r.PostFormValue("service_group")
	f.FlagGroup = r.PostFormValue("flag_group")
	num("srcbytes", &f.SrcBytes)
	num("dstbytes", &f.DstBytes)
	num("loggedin", &loggedIn)
	num("count", &count)
	num("srvcount", &srvCount)
	f.LoggedIn, f.Count, f.SrvCount = int(loggedIn), int(count), int(srvCount)
	f.Explain = r.PostFormValue("explain") != ""

	service := features.Lookup(features.ServiceGroups, f.ServiceGroup)
	if service == "" {
		problems = append(problems, "unknown service group")
	}
	flag := features.Lookup(features.FlagGroups, f.FlagGroup)
	if flag == "" {
		problems = append(problems, "unknown connection flag")
	}
	if len(problems) > 0 {
		return f, features.Record{}, &features.ValidationError{Problems: problems}
	}

	rec := features.Record{
		ProtocolType: f.Protocol,
		Service:      service,
		Flag:         flag,
		SrcBytes:     f.SrcBytes,
		DstBytes:     f.DstBytes,
		LoggedIn:     f.LoggedIn,
		Count:        count,
		SrvCount:     srvCount,
	}
	if err := rec.Validate(); err != nil {
		return f, features.Record{}, err
	}
	return f, rec, nil
}

func confidenceRows(conf map[string]float64) []confidenceRow {
	rows := make([]confidenceRow, 0, len(conf))
	for k, v := range conf {
		rows = append(rows, confidenceRow{AttackType: k, Value: v})
	}
	slices.SortFunc(rows, func(a, b confidenceRow) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return strings.Compare(a.AttackType, b.AttackType)
	})
	return rows
}
