package session

import "strings"

// Device type buckets.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceUnknown = "unknown"
)

// DeviceInfo is the coarse user-agent classification shown in session
// listings.
type DeviceInfo struct {
	Type    string `json:"type"`
	Browser string `json:"browser"`
	OS      string `json:"os"`
}

// ParseUserAgent classifies a raw User-Agent header into device, browser,
// and OS buckets.
func ParseUserAgent(ua string) DeviceInfo {
	if ua == "" {
		return DeviceInfo{Type: DeviceUnknown, Browser: "unknown", OS: "unknown"}
	}
	l := strings.ToLower(ua)
	return DeviceInfo{
		Type:    deviceType(l),
		Browser: browserName(l),
		OS:      osName(l),
	}
}

func deviceType(ua string) string {
	switch {
	case strings.Contains(ua, "ipad"),
		strings.Contains(ua, "tablet"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return DeviceTablet
	case strings.Contains(ua, "mobi"), strings.Contains(ua, "iphone"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

// Order matters: Edge and Opera UAs embed "chrome", Chrome embeds "safari".
func browserName(ua string) string {
	switch {
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge"):
		return "Edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "Opera"
	case strings.Contains(ua, "firefox"):
		return "Firefox"
	case strings.Contains(ua, "chrome"):
		return "Chrome"
	case strings.Contains(ua, "safari"):
		return "Safari"
	default:
		return "unknown"
	}
}

// iOS before macOS: iPhone UAs carry "like Mac OS X".
func osName(ua string) string {
	switch {
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ios"):
		return "iOS"
	case strings.Contains(ua, "mac os"), strings.Contains(ua, "macintosh"):
		return "macOS"
	case strings.Contains(ua, "linux"), strings.Contains(ua, "x11"):
		return "Linux"
	default:
		return "unknown"
	}
}
