package features

// Option maps a dashboard label to the canonical value the models saw in
// training.
type Option struct {
	Label string
	Value string
}

// ServiceGroups collapses the NSL-KDD service vocabulary into the groups the
// dashboard offers.
var ServiceGroups = []Option{
	{Label: "HTTP-related", Value: "http"},
	{Label: "File Transfer", Value: "ftp_data"},
	{Label: "Remote Access", Value: "telnet"},
	{Label: "Email", Value: "smtp"},
	{Label: "DNS", Value: "domain_u"},
	{Label: "Other", Value: "other"},
}

// FlagGroups maps connection-state groups to a representative TCP flag.
var FlagGroups = []Option{
	{Label: "Normal", Value: "SF"},
	{Label: "Error", Value: "REJ"},
	{Label: "Suspicious", Value: "S0"},
}

// Lookup returns the value for label, or "" if no option matches.
func Lookup(opts []Option, label string) string {
	for _, o := range opts {
		if o.Label == label {
			return o.Value
		}
	}
	return ""
}
