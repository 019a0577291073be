// ABOUTME: Display-only classification of recorded failures into remedy categories.
// ABOUTME: Chooses which action buttons to offer; it never changes what retry does.
package pipeline

import (
	"regexp"
	"strings"
)

// Category is a display bucket for a failure.
type Category string

const (
	CategoryQuota     Category = "quota"
	CategoryAuth      Category = "auth"
	CategorySafety    Category = "safety"
	CategoryTransient Category = "transient"
	CategoryTimeout   Category = "timeout"
	CategoryBlocked   Category = "blocked"
	CategoryInvalid   Category = "invalid"
	CategoryGeneric   Category = "generic"
)

// Remedy is an action the UI may offer for a failure.
type Remedy string

const (
	RemedyRetry            Remedy = "retry"
	RemedySwitchModel      Remedy = "switch_model"
	RemedyCheckCredentials Remedy = "check_credentials"
	RemedyEditContent      Remedy = "edit_content"
	RemedyWait             Remedy = "wait"
	RemedyCloseOtherTab    Remedy = "close_other_tab"
)

var (
	quotaPattern     = regexp.MustCompile(`(?i)\b429\b|quota|rate.?limit|resource.?exhausted|too many requests|insufficient.?credit`)
	authPattern      = regexp.MustCompile(`(?i)\b40[13]\b|unauthori[sz]ed|forbidden|api.?key|permission|authenticat`)
	safetyPattern    = regexp.MustCompile(`(?i)safety|content.?filter|content.?policy|blocked|prohibited|moderation|recitation`)
	transientPattern = regexp.MustCompile(`(?i)\b50[0234]\b|overloaded|unavailable|internal server error|bad gateway|connection reset|temporarily`)
)

// Classify picks the display bucket for a recorded failure.
func Classify(d *ErrorDetail) Category {
	if d == nil {
		return CategoryGeneric
	}
	switch d.Kind {
	case ErrorKindBlocked:
		return CategoryBlocked
	case ErrorKindValidation:
		return CategoryInvalid
	}
	msg := strings.TrimSpace(d.Message)
	switch {
	case quotaPattern.MatchString(msg):
		return CategoryQuota
	case authPattern.MatchString(msg):
		return CategoryAuth
	case safetyPattern.MatchString(msg):
		return CategorySafety
	case transientPattern.MatchString(msg):
		return CategoryTransient
	}
	if d.Kind == ErrorKindTimeout {
		return CategoryTimeout
	}
	return CategoryGeneric
}

// Remedies lists the actions to offer for a category, most useful first.
func Remedies(c Category) []Remedy {
	switch c {
	case CategoryQuota:
		return []Remedy{RemedyWait, RemedySwitchModel, RemedyRetry}
	case CategoryAuth:
		return []Remedy{RemedyCheckCredentials, RemedySwitchModel}
	case CategorySafety:
		return []Remedy{RemedyEditContent, RemedyRetry, RemedySwitchModel}
	case CategoryTransient, CategoryTimeout:
		return []Remedy{RemedyRetry, RemedyWait}
	case CategoryBlocked:
		return []Remedy{RemedyCloseOtherTab}
	case CategoryInvalid:
		return []Remedy{RemedyRetry, RemedySwitchModel}
	default:
		return []Remedy{RemedyRetry}
	}
}
