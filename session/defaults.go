package session

// DefaultSessionID is the reserved id of the process-wide fallback session.
const DefaultSessionID = "default"

// DefaultLang is used when no language is configured.
const DefaultLang = "en-US"

// DefaultSiteID is used when no site id is configured.
const DefaultSiteID = "unknown"

// DefaultPipeline returns the built-in intent pipeline order.
func DefaultPipeline() []string {
	return []string{
		"converse",
		"padatious_high",
		"adapt",
		"common_qa",
		"fallback_high",
		"padatious_medium",
		"fallback_medium",
		"padatious_low",
		"fallback_low",
	}
}

// Defaults holds the configured values a Session falls back to when a field
// is not supplied. They are read once at construction.
type Defaults struct {
	Lang           string
	SecondaryLangs []string
	SiteID         string
	Pipeline       []string
	// TTL is the session expiration in seconds, -1 for never.
	TTL     int
	Context ContextConfig
}

// DefaultDefaults returns the built-in defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Lang:     DefaultLang,
		SiteID:   DefaultSiteID,
		Pipeline: DefaultPipeline(),
		TTL:      -1,
		Context:  DefaultContextConfig(),
	}
}

// ValidLanguages returns the default language followed by the secondary
// languages, without duplicates.
func (d Defaults) ValidLanguages() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, l := range append([]string{d.lang()}, d.SecondaryLangs...) {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func (d Defaults) lang() string {
	if d.Lang == "" {
		return DefaultLang
	}
	return d.Lang
}

func (d Defaults) siteID() string {
	if d.SiteID == "" {
		return DefaultSiteID
	}
	return d.SiteID
}

func (d Defaults) pipeline() []string {
	if len(d.Pipeline) == 0 {
		return DefaultPipeline()
	}
	return append([]string(nil), d.Pipeline...)
}
