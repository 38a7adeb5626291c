package identity

// Profile identifies the transport-level shape a request should take.
// ProfilePlain uses the default Go transport; browser profiles are handled
// by the fingerprint-capable transport when one is configured.
type Profile string

const (
	// ProfilePlain sends requests without any browser impersonation.
	ProfilePlain Profile = "plain"

	// ProfileChrome impersonates a Chromium-based browser.
	ProfileChrome Profile = "chrome"

	// ProfileFirefox impersonates Firefox.
	ProfileFirefox Profile = "firefox"

	// ProfileSafari impersonates Safari on macOS.
	ProfileSafari Profile = "safari"
)

// Archetype is one entry of the browser catalog: a coherent bundle of
// user-agent, companion headers, and the transport profile they belong to.
// Header family and profile are never mixed across entries.
type Archetype struct {
	Name      string
	UserAgent string
	Headers   map[string]string
	Profile   Profile
}

// catalog is the fixed set of browser/OS combinations identities are drawn
// from. Selection is a uniform random lookup, never an inline literal at a
// call site.
var catalog = []Archetype{
	{
		Name:      "chrome-mac",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36",
		Headers: map[string]string{
			"Accept":             "application/json",
			"Accept-Language":    "en-US,en;q=0.9",
			"Sec-Ch-Ua":          `"Chromium";v="140", "Google Chrome";v="140", "Not?A_Brand";v="24"`,
			"Sec-Ch-Ua-Mobile":   "?0",
			"Sec-Ch-Ua-Platform": `"macOS"`,
		},
		Profile: ProfileChrome,
	},
	{
		Name:      "chrome-win",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
		Headers: map[string]string{
			"Accept":             "application/json",
			"Accept-Language":    "en-US,en;q=0.9",
			"Sec-Ch-Ua":          `"Chromium";v="139", "Google Chrome";v="139", "Not?A_Brand";v="24"`,
			"Sec-Ch-Ua-Mobile":   "?0",
			"Sec-Ch-Ua-Platform": `"Windows"`,
		},
		Profile: ProfileChrome,
	},
	{
		Name:      "edge-win",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36 Edg/139.0.0.0",
		Headers: map[string]string{
			"Accept":             "application/json",
			"Accept-Language":    "en-US,en;q=0.9",
			"Sec-Ch-Ua":          `"Chromium";v="139", "Microsoft Edge";v="139", "Not?A_Brand";v="24"`,
			"Sec-Ch-Ua-Mobile":   "?0",
			"Sec-Ch-Ua-Platform": `"Windows"`,
		},
		Profile: ProfileChrome,
	},
	{
		Name:      "firefox-win",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:130.0) Gecko/20100101 Firefox/130.0",
		Headers: map[string]string{
			"Accept":          "application/json",
			"Accept-Language": "en-US,en;q=0.5",
		},
		Profile: ProfileFirefox,
	},
	{
		Name:      "firefox-mac",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:130.0) Gecko/20100101 Firefox/130.0",
		Headers: map[string]string{
			"Accept":          "application/json",
			"Accept-Language": "en-US,en;q=0.5",
		},
		Profile: ProfileFirefox,
	},
	{
		Name:      "safari-mac",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
		Headers: map[string]string{
			"Accept":          "application/json",
			"Accept-Language": "en-US,en;q=0.9",
		},
		Profile: ProfileSafari,
	},
}

// Catalog returns a copy of the archetype catalog.
func Catalog() []Archetype {
	out := make([]Archetype, len(catalog))
	copy(out, catalog)
	return out
}
