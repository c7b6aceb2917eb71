package validation

import (
	"regexp"

	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// SanitizeString is a narrow, regex-level filter for free-text fields that
// may later be rendered as markup. It removes script blocks, inline event
// handler attributes and a fixed denylist of tags. It is not an HTML parser:
// malformed or obfuscated markup outside those shapes passes through.
func SanitizeString(s string) string {
	if s == "" {
		return s
	}
	s = scriptBlock.ReplaceAllString(s, "")
	for _, re := range eventHandlers {
		s = re.ReplaceAllString(s, "")
	}
	for _, re := range deniedTags {
		s = re.ReplaceAllString(s, "")
	}
	return s
}

var scriptBlock = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)

// Quoted forms run before the bare form so a quoted value is removed whole.
var eventHandlers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\s*\bon[a-z]+\s*=\s*"[^"]*"`),
	regexp.MustCompile(`(?i)\s*\bon[a-z]+\s*=\s*'[^']*'`),
	regexp.MustCompile(`(?i)\s*\bon[a-z]+\s*=\s*[^\s>"']+`),
}

var deniedTagNames = []string{"iframe", "embed", "object", "applet", "meta", "link", "style", "script", "img"}

// deniedTags holds, per tag, a paired-element pattern followed by a pattern
// for any remaining open, close or self-closing tag. RE2 has no
// backreferences, hence one pattern per name.
var deniedTags = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, 2*len(deniedTagNames))
	for _, name := range deniedTagNames {
		out = append(out,
			regexp.MustCompile(`(?is)<`+name+`\b[^>]*>.*?</`+name+`\s*>`),
			regexp.MustCompile(`(?is)</?`+name+`\b[^>]*>`),
		)
	}
	return out
}()

// SanitizeRequest returns a copy of req whose free-text fields went through
// SanitizeString. Identifiers and timestamps are left alone; they are
// constrained by Validate instead.
func SanitizeRequest(req types.JobRequest) types.JobRequest {
	out := req.Clone()
	if out.ScheduleData == nil {
		return out
	}
	for i := range out.ScheduleData.Events {
		out.ScheduleData.Events[i].Name = SanitizeString(out.ScheduleData.Events[i].Name)
	}
	for i := range out.ScheduleData.Resources {
		out.ScheduleData.Resources[i].Name = SanitizeString(out.ScheduleData.Resources[i].Name)
	}
	return out
}
