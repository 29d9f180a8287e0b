package capture

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"carbontrail/internal/event"
)

var (
	emailRe    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	sizeUnitRe = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(B|KB|MB)\b`)
)

// Extractor converts a snapshot of an in-progress composition into an
// ActivityEvent. It is a pure read of the snapshot: no side effects, and
// a failed extraction returns nil instead of propagating anything.
type Extractor struct {
	anchors                 Anchors
	previewLimit            int
	fallbackAttachmentBytes int64

	now func() time.Time
}

func NewExtractor(a Anchors, previewLimit int, fallbackAttachmentBytes int64) *Extractor {
	if previewLimit <= 0 {
		previewLimit = 200
	}
	if fallbackAttachmentBytes <= 0 {
		fallbackAttachmentBytes = 500 * 1024
	}
	return &Extractor{
		anchors:                 a,
		previewLimit:            previewLimit,
		fallbackAttachmentBytes: fallbackAttachmentBytes,
		now:                     time.Now,
	}
}

func (x *Extractor) Provider() event.Provider { return x.anchors.Provider }

// Extract pulls a normalized event out of the composition containing
// origin. It returns nil when the required structural anchors are
// missing. It never panics past this boundary; the hosted document is
// allowed to be arbitrarily broken.
func (x *Extractor) Extract(snap *Snapshot, origin *Node) (ev *event.ActivityEvent) {
	defer func() {
		if recover() != nil {
			ev = nil
		}
	}()

	region := x.composeRegion(snap, origin)
	if region == nil {
		return nil
	}
	recipientNodes := x.fieldNodes(region, x.anchors.RecipientLabels)
	if len(recipientNodes) == 0 {
		// Without any recipient field this is not a composition we
		// recognize; skip silently.
		return nil
	}

	ev = event.New(x.anchors.Provider, x.now())
	for _, n := range recipientNodes {
		ev.Recipients = append(ev.Recipients, splitRecipients(fieldText(n))...)
	}
	ev.Recipients = dedupeExact(ev.Recipients)
	ev.Subject = strings.TrimSpace(fieldText(x.firstFieldNode(region, x.anchors.SubjectLabels)))
	ev.BodyPreview = truncateRunes(fieldText(x.firstFieldNode(region, x.anchors.BodyLabels)), x.previewLimit)
	ev.AttachmentCount, ev.AttachmentBytes = x.attachments(region)
	ev.UserEmail = x.identity(snap, region)
	return ev
}

// composeRegion locates the region representing the in-progress
// composition: the closest dialog/region ancestor of the triggering
// element, falling back to any structurally-plausible region on the
// page. No mutation event is guaranteed to fire on the element we would
// expect, so this search is deliberately loose.
func (x *Extractor) composeRegion(snap *Snapshot, origin *Node) *Node {
	isRegion := func(n *Node) bool {
		for _, role := range x.anchors.ComposeRoles {
			if strings.EqualFold(n.Role, role) {
				return true
			}
		}
		return false
	}
	if origin != nil {
		if r := origin.Closest(isRegion); r != nil {
			return r
		}
	}
	// Fallback: first region on the page that contains a recipient field.
	var found *Node
	snap.Find(func(n *Node) bool {
		if !isRegion(n) {
			return false
		}
		if len(x.fieldNodes(n, x.anchors.RecipientLabels)) > 0 {
			found = n
			return true
		}
		return false
	})
	return found
}

// IsSendControl reports whether the node looks like the send button.
func (x *Extractor) IsSendControl(n *Node) bool {
	if n == nil {
		return false
	}
	probe := strings.ToLower(n.Label)
	if probe == "" {
		probe = strings.ToLower(strings.TrimSpace(n.Text))
	}
	if probe == "" {
		return false
	}
	for _, l := range x.anchors.SendLabels {
		if strings.HasPrefix(probe, l) {
			return true
		}
	}
	return false
}

// InComposition reports whether the node sits inside a recognizable
// composition region. Used to scope the keyboard send chord.
func (x *Extractor) InComposition(snap *Snapshot, n *Node) bool {
	if n == nil {
		return false
	}
	return x.composeRegion(snap, n) != nil
}

func (x *Extractor) fieldNodes(region *Node, labels []string) []*Node {
	return region.FindAll(func(n *Node) bool { return labelMatches(n, labels) })
}

func (x *Extractor) firstFieldNode(region *Node, labels []string) *Node {
	return region.Find(func(n *Node) bool { return labelMatches(n, labels) })
}

func labelMatches(n *Node, labels []string) bool {
	l := strings.ToLower(n.Label)
	if l == "" {
		return false
	}
	for _, want := range labels {
		if strings.Contains(l, want) {
			return true
		}
	}
	return false
}

// fieldText prefers the form value and falls back to visible text.
func fieldText(n *Node) string {
	if n == nil {
		return ""
	}
	if v := strings.TrimSpace(n.Value); v != "" {
		return v
	}
	return n.VisibleText()
}

// attachments counts attachment chips and estimates their total size by
// scanning visible text for size-unit patterns. When at least one chip
// exists but no size text is recognized, a fixed per-attachment estimate
// applies.
func (x *Extractor) attachments(region *Node) (int, int64) {
	chips := x.fieldNodes(region, x.anchors.AttachmentLabels)
	if len(chips) == 0 {
		return 0, 0
	}
	var total int64
	for _, chip := range chips {
		total += sizeFromText(chip.VisibleText() + " " + chip.Label)
	}
	if total == 0 {
		total = int64(len(chips)) * x.fallbackAttachmentBytes
	}
	return len(chips), total
}

func sizeFromText(text string) int64 {
	var total float64
	for _, m := range sizeUnitRe.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err != nil {
			continue
		}
		switch strings.ToUpper(m[2]) {
		case "MB":
			v *= 1000 * 1000
		case "KB":
			v *= 1000
		}
		total += v
	}
	return int64(total)
}

// identity resolves the signed-in account by trying, in order: an
// accessible-label match, an image alt-text match, the document title,
// then a URL query parameter. First match wins; absence is tolerated.
func (x *Extractor) identity(snap *Snapshot, region *Node) string {
	if n := snap.Find(func(n *Node) bool { return labelMatches(n, x.anchors.AccountLabels) }); n != nil {
		if addr := emailRe.FindString(n.Label); addr != "" {
			return addr
		}
	}
	if n := snap.Find(func(n *Node) bool { return n.Tag == "img" && emailRe.MatchString(n.Alt) }); n != nil {
		return emailRe.FindString(n.Alt)
	}
	if addr := emailRe.FindString(snap.Title); addr != "" {
		return addr
	}
	if u, err := url.Parse(snap.URL); err == nil {
		q := u.Query()
		for _, p := range x.anchors.IdentityParams {
			if v := q.Get(p); emailRe.MatchString(v) {
				return emailRe.FindString(v)
			}
		}
	}
	return ""
}

// splitRecipients treats the field as free text: split on comma,
// semicolon and newline, trim, drop empties.
func splitRecipients(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// dedupeExact removes exact-match duplicates, preserving order.
func dedupeExact(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func truncateRunes(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
