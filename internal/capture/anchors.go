package capture

import "carbontrail/internal/event"

// Anchors are the per-platform structural heuristics the extractor
// searches for. None of them are guaranteed to exist; the hosted
// document changes without notice, so every anchor is best-effort and
// label matching is substring-based and case-insensitive.
type Anchors struct {
	Provider event.Provider

	// ComposeRoles are landmark roles considered a composition region.
	ComposeRoles []string
	// SendLabels identify the send control.
	SendLabels []string
	// RecipientLabels identify the To/Cc/Bcc fields.
	RecipientLabels []string
	// SubjectLabels identify the subject field.
	SubjectLabels []string
	// BodyLabels identify the message body field.
	BodyLabels []string
	// AttachmentLabels identify attachment chips.
	AttachmentLabels []string
	// AccountLabels identify elements whose accessible label exposes the
	// signed-in account.
	AccountLabels []string
	// IdentityParams are URL query parameters that may carry the account.
	IdentityParams []string
}

func GmailAnchors() Anchors {
	return Anchors{
		Provider:         event.ProviderGmail,
		ComposeRoles:     []string{"dialog", "region"},
		SendLabels:       []string{"send"},
		RecipientLabels:  []string{"to recipients", "cc recipients", "bcc recipients", "recipients"},
		SubjectLabels:    []string{"subject"},
		BodyLabels:       []string{"message body"},
		AttachmentLabels: []string{"attachment"},
		AccountLabels:    []string{"google account"},
		IdentityParams:   []string{"authuser", "email"},
	}
}

func OutlookAnchors() Anchors {
	return Anchors{
		Provider:         event.ProviderOutlook,
		ComposeRoles:     []string{"dialog", "region", "complementary"},
		SendLabels:       []string{"send"},
		RecipientLabels:  []string{"to", "cc", "bcc"},
		SubjectLabels:    []string{"add a subject", "subject"},
		BodyLabels:       []string{"message body"},
		AttachmentLabels: []string{"attachment"},
		AccountLabels:    []string{"account manager", "account"},
		IdentityParams:   []string{"login_hint"},
	}
}

// AnchorsFor maps a platform name to its anchors, defaulting to gmail.
func AnchorsFor(p event.Provider) Anchors {
	if p == event.ProviderOutlook {
		return OutlookAnchors()
	}
	return GmailAnchors()
}
