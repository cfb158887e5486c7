package model

import (
	"fmt"
	"time"
)

// AlertType categorises what raised an alert.
type AlertType string

const (
	AlertIntrusion AlertType = "intrusion"
	AlertFile      AlertType = "file"
	AlertNetwork   AlertType = "network"
)

// AlertSeverity ranks how urgent an alert is.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityWarning  AlertSeverity = "warning"
	SeverityInfo     AlertSeverity = "info"
)

// AlertStatus tracks an alert through its lifecycle. Transitions are
// active -> acknowledged -> resolved, with a direct active -> resolved
// shortcut. Resolved is terminal.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// FileStatus is the protection state of a watched path.
type FileStatus string

const (
	FileProtected  FileStatus = "protected"
	FileLocked     FileStatus = "locked"
	FileAuthorized FileStatus = "authorized"
)

// FileKind distinguishes watched files from watched directories.
type FileKind string

const (
	KindFile      FileKind = "file"
	KindDirectory FileKind = "directory"
)

// RuleAction is the disposition a firewall rule applies to matching traffic.
type RuleAction string

const (
	ActionAllow      RuleAction = "allow"
	ActionDeny       RuleAction = "deny"
	ActionQuarantine RuleAction = "quarantine"
)

// FirewallPolicy is the global policy mode. Under allow_all and deny_all the
// rule table is bypassed entirely.
type FirewallPolicy string

const (
	PolicyAllowAll FirewallPolicy = "allow_all"
	PolicyDenyAll  FirewallPolicy = "deny_all"
	PolicyCustom   FirewallPolicy = "custom"
)

// SuspiciousAction is the default-path disposition for traffic that matches
// no rule while the policy mode is custom.
type SuspiciousAction string

const (
	SuspiciousAllowNotify SuspiciousAction = "allow_notify"
	SuspiciousQuarantine  SuspiciousAction = "quarantine"
	SuspiciousReject      SuspiciousAction = "reject"
)

// Disposition is the classification outcome for an observed packet.
type Disposition string

const (
	DispositionAllow      Disposition = "allow"
	DispositionDeny       Disposition = "deny"
	DispositionQuarantine Disposition = "quarantine"
)

// LogLevel for audit log entries.
type LogLevel string

const (
	LogInfo     LogLevel = "info"
	LogWarning  LogLevel = "warning"
	LogError    LogLevel = "error"
	LogCritical LogLevel = "critical"
)

// LogCategory for audit log entries.
type LogCategory string

const (
	CategorySystem   LogCategory = "system"
	CategorySecurity LogCategory = "security"
	CategoryUser     LogCategory = "user"
	CategoryNetwork  LogCategory = "network"
)

// Role of a caller. Privileged commands require RoleAdmin.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// ThreatLevel is the aggregate derived severity for the whole host.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Rank orders threat levels so the aggregation can take a maximum.
func (t ThreatLevel) Rank() int {
	switch t {
	case ThreatMedium:
		return 1
	case ThreatHigh:
		return 2
	case ThreatCritical:
		return 3
	default:
		return 0
	}
}

// MaxThreat returns the higher of two threat levels.
func MaxThreat(a, b ThreatLevel) ThreatLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// SystemStatus is a point-in-time snapshot of host health. It is recreated
// on every sampler tick; only the latest is retained. Partial marks a
// snapshot in which one or more metric sources were unavailable and the last
// known good value was substituted.
type SystemStatus struct {
	CPU               float64     `json:"cpu"`
	Memory            float64     `json:"memory"`
	Disk              float64     `json:"disk"`
	ThreatLevel       ThreatLevel `json:"threatLevel"`
	Uptime            string      `json:"uptime"`
	ActiveConnections int         `json:"activeConnections"`
	BlockedThreats    int         `json:"blockedThreats"`
	QuarantinedFiles  int         `json:"quarantinedFiles"`
	Partial           bool        `json:"partial"`
	Timestamp         time.Time   `json:"timestamp"`
}

// Alert is a persisted security alert. Alerts are never deleted, only
// resolved.
type Alert struct {
	ID          string        `json:"id" gorm:"primaryKey;size:36"`
	Type        AlertType     `json:"type" gorm:"size:20;index"`
	Severity    AlertSeverity `json:"severity" gorm:"size:20;index"`
	Title       string        `json:"title" gorm:"size:200"`
	Description string        `json:"description"`
	Source      string        `json:"source" gorm:"size:100"`
	Status      AlertStatus   `json:"status" gorm:"size:20;index"`
	AssignedTo  string        `json:"assigned_to,omitempty" gorm:"size:36"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// FileSettings controls which accesses on a protected file raise alerts and
// whether a violation locks the file automatically.
type FileSettings struct {
	AlertOnRead   bool `json:"alert_on_read"`
	AlertOnWrite  bool `json:"alert_on_write"`
	AlertOnDelete bool `json:"alert_on_delete"`
	AutoLock      bool `json:"auto_lock"`
}

// ProtectedFile is a path under integrity watch. AccessAttempts only ever
// increases; PriorMode remembers the permission bits to restore on unlock.
type ProtectedFile struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	Path           string     `json:"path" gorm:"size:500;uniqueIndex"`
	Kind           FileKind   `json:"file_type" gorm:"size:20"`
	Status         FileStatus `json:"status" gorm:"size:20;index"`
	AccessAttempts int        `json:"access_attempts"`
	LastAccessed   *time.Time `json:"last_accessed,omitempty"`
	LockReason     string     `json:"lock_reason,omitempty"`
	PriorMode      uint32     `json:"-"`
	FileSettings
	CreatedAt time.Time `json:"created_at"`
}

// FirewallRule matches traffic on exactly one dimension: a source address,
// a port (with protocol), or a protocol alone. Number mirrors the position
// reported by the enforcement backend.
type FirewallRule struct {
	ID          string     `json:"id" gorm:"primaryKey;size:36"`
	Number      int        `json:"number"`
	Protocol    string     `json:"protocol" gorm:"size:20"`
	Port        int        `json:"port,omitempty"`
	Action      RuleAction `json:"action" gorm:"size:20"`
	Source      string     `json:"source,omitempty" gorm:"size:100"`
	Description string     `json:"description"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Specificity orders rules most-specific-first: source match beats port
// match beats protocol match.
func (r FirewallRule) Specificity() int {
	switch {
	case r.Source != "":
		return 3
	case r.Port != 0:
		return 2
	case r.Protocol != "":
		return 1
	default:
		return 0
	}
}

// QuarantinedPacket is a packet diverted from delivery pending review.
// Release and delete are both terminal: the row is removed either way.
type QuarantinedPacket struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	Source      string    `json:"source" gorm:"size:100"`
	Destination string    `json:"destination" gorm:"size:100"`
	Protocol    string    `json:"protocol" gorm:"size:20"`
	Port        int       `json:"port"`
	Size        int       `json:"size"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status" gorm:"size:20;default:quarantined"`
	CreatedAt   time.Time `json:"timestamp"`
}

// QuarantinedFile is a file moved into the quarantine directory. Release
// restores the original path; delete removes it permanently.
type QuarantinedFile struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36"`
	OriginalPath   string    `json:"original_path" gorm:"size:500"`
	QuarantinePath string    `json:"quarantine_path" gorm:"size:500"`
	Size           int64     `json:"size"`
	Reason         string    `json:"reason"`
	Status         string    `json:"status" gorm:"size:20;default:quarantined"`
	CreatedAt      time.Time `json:"timestamp"`
}

// LogEntry is an append-only audit record. Comments grow monotonically and
// die with their parent entry; nothing else cascades.
type LogEntry struct {
	ID        string       `json:"id" gorm:"primaryKey;size:36"`
	Level     LogLevel     `json:"level" gorm:"size:20;index"`
	Category  LogCategory  `json:"category" gorm:"size:50;index"`
	Message   string       `json:"message" gorm:"size:500"`
	Details   string       `json:"details,omitempty"`
	UserID    string       `json:"user_id,omitempty" gorm:"size:36"`
	Comments  []LogComment `json:"comments" gorm:"foreignKey:LogID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time    `json:"created_at"`
}

// LogComment is one entry in a log's comment thread.
type LogComment struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	LogID     string    `json:"log_id" gorm:"size:36;index"`
	UserID    string    `json:"user_id,omitempty" gorm:"size:36"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// User is the caller identity consumed by the core. The core does not own
// authentication; it only gates privileged commands on Role.
type User struct {
	ID        string     `json:"id" gorm:"primaryKey;size:36"`
	Username  string     `json:"username" gorm:"size:50;uniqueIndex"`
	Email     string     `json:"email" gorm:"size:100"`
	Role      Role       `json:"role" gorm:"size:20"`
	IsActive  bool       `json:"is_active" gorm:"default:true"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// Direction of a packet relative to this host.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Packet is one observed network unit, as produced by a packet source.
type Packet struct {
	Timestamp time.Time `json:"timestamp"`
	Protocol  string    `json:"protocol"`
	SrcIP     string    `json:"source_ip"`
	SrcPort   int       `json:"source_port,omitempty"`
	DstIP     string    `json:"destination_ip"`
	DstPort   int       `json:"destination_port,omitempty"`
	Size      int       `json:"size"`
	Direction Direction `json:"direction"`
}

// Source formats the packet origin as host:port when a port is present.
func (p Packet) SourceAddr() string {
	if p.SrcPort > 0 {
		return fmt.Sprintf("%s:%d", p.SrcIP, p.SrcPort)
	}
	return p.SrcIP
}

// DestinationAddr formats the packet destination as host:port when a port is
// present.
func (p Packet) DestinationAddr() string {
	if p.DstPort > 0 {
		return fmt.Sprintf("%s:%d", p.DstIP, p.DstPort)
	}
	return p.DstIP
}

// ValidAlertStatus reports whether s is a known alert status.
func ValidAlertStatus(s AlertStatus) bool {
	switch s {
	case AlertActive, AlertAcknowledged, AlertResolved:
		return true
	}
	return false
}

// ValidFirewallPolicy reports whether p is a known policy mode.
func ValidFirewallPolicy(p FirewallPolicy) bool {
	switch p {
	case PolicyAllowAll, PolicyDenyAll, PolicyCustom:
		return true
	}
	return false
}

// ValidSuspiciousAction reports whether a is a known default-path action.
func ValidSuspiciousAction(a SuspiciousAction) bool {
	switch a {
	case SuspiciousAllowNotify, SuspiciousQuarantine, SuspiciousReject:
		return true
	}
	return false
}

// ValidRuleAction reports whether a is a known rule action.
func ValidRuleAction(a RuleAction) bool {
	switch a {
	case ActionAllow, ActionDeny, ActionQuarantine:
		return true
	}
	return false
}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	return r == RoleAdmin || r == RoleUser
}

// ValidLogLevel reports whether l is a known log level.
func ValidLogLevel(l LogLevel) bool {
	switch l {
	case LogInfo, LogWarning, LogError, LogCritical:
		return true
	}
	return false
}

// ValidLogCategory reports whether c is a known log category.
func ValidLogCategory(c LogCategory) bool {
	switch c {
	case CategorySystem, CategorySecurity, CategoryUser, CategoryNetwork:
		return true
	}
	return false
}
