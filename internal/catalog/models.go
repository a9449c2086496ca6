// Package catalog holds the runtime view of the routing configuration:
// categories, command sets, commands and access lists, indexed for lookup.
package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Access list enums.
const (
	ListTypeUser  = "user"
	ListTypeGroup = "group"

	ModeWhitelist = "whitelist"
	ModeBlacklist = "blacklist"
)

// Final rule actions.
const (
	FinalReject  = "reject"
	FinalAllow   = "allow"
	FinalForward = "forward"
)

// ClockTime is a wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("parse clock time %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return ClockTime{}, fmt.Errorf("parse clock time %q: bad hour", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return ClockTime{}, fmt.Errorf("parse clock time %q: bad minute", s)
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) minutes() int { return c.Hour*60 + c.Minute }

// TimeRestriction limits a command to a wall-clock window. Windows where
// start > end wrap around midnight.
type TimeRestriction struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// Window parses the restriction endpoints, falling back to an all-day window
// on malformed input.
func (r *TimeRestriction) Window() (start, end ClockTime) {
	start, err := ParseClockTime(r.Start)
	if err != nil {
		start = ClockTime{}
	}
	end, err = ParseClockTime(r.End)
	if err != nil {
		end = ClockTime{Hour: 23, Minute: 59}
	}
	return start, end
}

// Contains reports whether the local wall-clock part of t falls inside the
// window, inclusive on both ends.
func (r *TimeRestriction) Contains(t time.Time) bool {
	start, end := r.Window()
	now := ClockTime{Hour: t.Hour(), Minute: t.Minute()}.minutes()

	if start.minutes() <= end.minutes() {
		return now >= start.minutes() && now <= end.minutes()
	}
	// Wraps midnight, e.g. 22:00 - 06:00.
	return now >= start.minutes() || now <= end.minutes()
}

// Command is one routable command inside a command set.
type Command struct {
	Name             string           `yaml:"name" json:"name"`
	Aliases          []string         `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Description      string           `yaml:"description,omitempty" json:"description,omitempty"`
	IsPrivileged     bool             `yaml:"is_privileged,omitempty" json:"is_privileged,omitempty"`
	TimeRestriction  *TimeRestriction `yaml:"time_restriction,omitempty" json:"time_restriction,omitempty"`
	GroupRestriction []int64          `yaml:"group_restriction,omitempty" json:"group_restriction,omitempty"`
	UserWhitelist    []int64          `yaml:"user_whitelist,omitempty" json:"user_whitelist,omitempty"`
	UserBlacklist    []int64          `yaml:"user_blacklist,omitempty" json:"user_blacklist,omitempty"`
}

// Matches reports whether name equals the canonical name or any alias.
func (c *Command) Matches(name string) bool {
	if name == c.Name {
		return true
	}
	for _, alias := range c.Aliases {
		if name == alias {
			return true
		}
	}
	return false
}

// CommandSet is a named bundle of commands routed to one downstream target.
type CommandSet struct {
	ID              string    `yaml:"id" json:"id"`
	Name            string    `yaml:"name" json:"name"`
	Prefix          string    `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Category        string    `yaml:"category,omitempty" json:"category,omitempty"`
	Description     string    `yaml:"description,omitempty" json:"description,omitempty"`
	IsPublic        bool      `yaml:"is_public,omitempty" json:"is_public,omitempty"`
	TargetWS        string    `yaml:"target_ws" json:"target_ws"`
	Priority        int       `yaml:"priority,omitempty" json:"priority,omitempty"`
	StripPrefix     bool      `yaml:"strip_prefix,omitempty" json:"strip_prefix,omitempty"`
	Enabled         *bool     `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	UserAccessList  string    `yaml:"user_access_list,omitempty" json:"user_access_list,omitempty"`
	GroupAccessList string    `yaml:"group_access_list,omitempty" json:"group_access_list,omitempty"`
	IsDefault       bool      `yaml:"is_default,omitempty" json:"is_default,omitempty"`
	Commands        []Command `yaml:"commands,omitempty" json:"commands,omitempty"`
}

// IsEnabled defaults to true when the flag is omitted from config.
func (s *CommandSet) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// FindCommand returns the command matching name or one of its aliases.
func (s *CommandSet) FindCommand(name string) *Command {
	for i := range s.Commands {
		if s.Commands[i].Matches(name) {
			return &s.Commands[i]
		}
	}
	return nil
}

// Category is a UI-level bucket of command sets. When IsMutex, at most one
// member set is "current" per user.
type Category struct {
	ID                string `yaml:"id" json:"id"`
	Name              string `yaml:"name" json:"name"`
	DisplayName       string `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description       string `yaml:"description,omitempty" json:"description,omitempty"`
	Icon              string `yaml:"icon,omitempty" json:"icon,omitempty"`
	Order             int    `yaml:"order,omitempty" json:"order,omitempty"`
	Enabled           *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	AllowUserSwitch   *bool  `yaml:"allow_user_switch,omitempty" json:"allow_user_switch,omitempty"`
	DefaultCommandSet string `yaml:"default_command_set,omitempty" json:"default_command_set,omitempty"`
	IsMutex           *bool  `yaml:"is_mutex,omitempty" json:"is_mutex,omitempty"`
}

// IsEnabled defaults to true when omitted.
func (c *Category) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// UserSwitchAllowed defaults to true when omitted.
func (c *Category) UserSwitchAllowed() bool { return c.AllowUserSwitch == nil || *c.AllowUserSwitch }

// Mutex defaults to true when omitted.
func (c *Category) Mutex() bool { return c.IsMutex == nil || *c.IsMutex }

// Display returns the display name, falling back to the plain name.
func (c *Category) Display() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Name
}

// AccessList is a whitelist or blacklist of user or group ids referenced by
// command sets for bulk gating.
type AccessList struct {
	ID    string  `yaml:"id" json:"id"`
	Name  string  `yaml:"name" json:"name"`
	Type  string  `yaml:"type" json:"type"`
	Mode  string  `yaml:"mode" json:"mode"`
	Items []int64 `yaml:"items,omitempty" json:"items,omitempty"`
}

// Contains reports membership of id in the list.
func (l *AccessList) Contains(id int64) bool {
	for _, item := range l.Items {
		if item == id {
			return true
		}
	}
	return false
}

// FinalRule is the configured catch-all for messages that do not resolve to
// any command set.
type FinalRule struct {
	Action      string `yaml:"action,omitempty" json:"action"`
	TargetWS    string `yaml:"target_ws,omitempty" json:"target_ws,omitempty"`
	Message     string `yaml:"message,omitempty" json:"message,omitempty"`
	SendMessage *bool  `yaml:"send_message,omitempty" json:"send_message,omitempty"`
}

// ShouldSendMessage defaults to true when omitted.
func (f *FinalRule) ShouldSendMessage() bool { return f.SendMessage == nil || *f.SendMessage }
