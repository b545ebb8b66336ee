// Package identity maps platform accounts to internal actors and
// permission levels. Bindings are created by an out-of-band flow and are
// read-only here; resolution degrades to least privilege on any failure.
package identity

import "fmt"

// Platform identifies an inbound chat channel.
type Platform string

const (
	PlatformTelegram  Platform = "telegram"
	PlatformLine      Platform = "line"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformMessenger Platform = "messenger"
	PlatformSlack     Platform = "slack"
	PlatformDiscord   Platform = "discord"
	PlatformTeams     Platform = "teams"
	PlatformSMS       Platform = "sms"
	PlatformEmail     Platform = "email"
	PlatformWeb       Platform = "web"
)

var supportedPlatforms = map[Platform]struct{}{
	PlatformTelegram:  {},
	PlatformLine:      {},
	PlatformWhatsApp:  {},
	PlatformMessenger: {},
	PlatformSlack:     {},
	PlatformDiscord:   {},
	PlatformTeams:     {},
	PlatformSMS:       {},
	PlatformEmail:     {},
	PlatformWeb:       {},
}

// ParsePlatform validates a platform string.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if _, ok := supportedPlatforms[p]; !ok {
		return "", fmt.Errorf("unsupported platform %q", s)
	}
	return p, nil
}

// PermissionLevel is the ordered privilege ladder for command senders.
type PermissionLevel int

const (
	LevelGuest PermissionLevel = iota
	LevelUser
	LevelOperator
	LevelBoss
)

func (l PermissionLevel) String() string {
	switch l {
	case LevelGuest:
		return "guest"
	case LevelUser:
		return "user"
	case LevelOperator:
		return "operator"
	case LevelBoss:
		return "boss"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a stored level string to a PermissionLevel. Unknown
// values resolve to LevelUser, the safe minimal default.
func ParseLevel(s string) PermissionLevel {
	switch s {
	case "guest":
		return LevelGuest
	case "user":
		return LevelUser
	case "operator":
		return LevelOperator
	case "boss":
		return LevelBoss
	default:
		return LevelUser
	}
}

// AtLeast reports whether the level meets the given floor.
func (l PermissionLevel) AtLeast(floor PermissionLevel) bool {
	return l >= floor
}

// Binding links one platform account to an internal user.
// At most one verified binding exists per (platform, platform_user_id).
type Binding struct {
	ID             string
	Platform       Platform
	PlatformUserID string
	InternalUserID string
	Level          PermissionLevel
	DisplayName    string
}
