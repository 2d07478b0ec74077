package upstream

import (
	"math/rand"
	"net/http"
)

// browserProfile is an internally consistent set of fingerprint headers: the
// user-agent and its sec-ch-ua family always describe the same browser on the
// same platform. Mixing values across profiles is exactly the kind of
// inconsistency upstream abuse heuristics look for.
type browserProfile struct {
	userAgent       string
	secChUA         string
	fullVersion     string
	fullVersionList string
	platform        string
	platformVersion string
	arch            string
	mobile          string
}

var chromeWindows = browserProfile{
	userAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36",
	secChUA:         `"Google Chrome";v="141", "Not?A_Brand";v="8", "Chromium";v="141"`,
	fullVersion:     `"141.0.7390.123"`,
	fullVersionList: `"Google Chrome";v="141.0.7390.123", "Not?A_Brand";v="8.0.0.0", "Chromium";v="141.0.7390.123"`,
	platform:        `"Windows"`,
	platformVersion: `"19.0.0"`,
	arch:            `"x86"`,
	mobile:          "?0",
}

var profiles = []browserProfile{
	chromeWindows,
	{
		userAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36",
		secChUA:         `"Google Chrome";v="140", "Not?A_Brand";v="8", "Chromium";v="140"`,
		fullVersion:     `"140.0.7339.80"`,
		fullVersionList: `"Google Chrome";v="140.0.7339.80", "Not?A_Brand";v="8.0.0.0", "Chromium";v="140.0.7339.80"`,
		platform:        `"Windows"`,
		platformVersion: `"15.0.0"`,
		arch:            `"x86"`,
		mobile:          "?0",
	},
	{
		userAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36",
		secChUA:         `"Google Chrome";v="141", "Not?A_Brand";v="8", "Chromium";v="141"`,
		fullVersion:     `"141.0.7390.123"`,
		fullVersionList: `"Google Chrome";v="141.0.7390.123", "Not?A_Brand";v="8.0.0.0", "Chromium";v="141.0.7390.123"`,
		platform:        `"macOS"`,
		platformVersion: `"14.6.1"`,
		arch:            `"arm"`,
		mobile:          "?0",
	},
	{
		userAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36",
		secChUA:         `"Google Chrome";v="141", "Not?A_Brand";v="8", "Chromium";v="141"`,
		fullVersion:     `"141.0.7390.65"`,
		fullVersionList: `"Google Chrome";v="141.0.7390.65", "Not?A_Brand";v="8.0.0.0", "Chromium";v="141.0.7390.65"`,
		platform:        `"Linux"`,
		platformVersion: `"6.8.0"`,
		arch:            `"x86"`,
		mobile:          "?0",
	},
	{
		userAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1.1 Safari/605.1.15",
		secChUA:         "",
		platform:        `"macOS"`,
		mobile:          "?0",
	},
	{
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0",
		secChUA:   "",
		platform:  `"Windows"`,
		mobile:    "?0",
	},
}

func randomProfile(rng *rand.Rand) browserProfile {
	return profiles[rng.Intn(len(profiles))]
}

// apply sets the fingerprint headers. Safari and Firefox profiles carry no
// sec-ch-ua family at all; real ones do not send it.
func (p browserProfile) apply(h http.Header) {
	h.Set("user-agent", p.userAgent)
	h.Set("accept-language", "en-US,en;q=0.9")
	h.Set("sec-fetch-dest", "empty")
	h.Set("sec-fetch-mode", "cors")
	h.Set("sec-fetch-site", "same-origin")

	if p.secChUA == "" {
		return
	}
	h.Set("sec-ch-ua", p.secChUA)
	h.Set("sec-ch-ua-mobile", p.mobile)
	h.Set("sec-ch-ua-platform", p.platform)
	h.Set("sec-ch-ua-model", `""`)
	if p.fullVersion != "" {
		h.Set("sec-ch-ua-full-version", p.fullVersion)
		h.Set("sec-ch-ua-full-version-list", p.fullVersionList)
	}
	if p.platformVersion != "" {
		h.Set("sec-ch-ua-platform-version", p.platformVersion)
	}
	if p.arch != "" {
		h.Set("sec-ch-ua-arch", p.arch)
		h.Set("sec-ch-ua-bitness", `"64"`)
	}
}
