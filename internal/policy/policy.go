// Package policy evaluates per-command access gating and style-switch gating.
package policy

import (
	"fmt"
	"time"

	"github.com/wsdispatch/wsdispatch/internal/catalog"
	"github.com/wsdispatch/wsdispatch/internal/store"
)

// Reason classifies a policy decision.
type Reason string

const (
	ReasonAllowed            Reason = "allowed"
	ReasonBlacklisted        Reason = "blacklisted"
	ReasonNotWhitelisted     Reason = "not_whitelisted"
	ReasonGroupRestricted    Reason = "group_restricted"
	ReasonTimeRestricted     Reason = "time_restricted"
	ReasonPrivilegeRequired  Reason = "privilege_required"
	ReasonNotAllowedToSwitch Reason = "not_allowed_to_switch"
)

// User-facing refusal messages, keyed by reason.
var messages = map[Reason]string{
	ReasonBlacklisted:        "你已被禁止使用此指令",
	ReasonNotWhitelisted:     "你没有使用此指令的权限",
	ReasonGroupRestricted:    "此指令不允许在本群使用",
	ReasonPrivilegeRequired:  "此指令需要特权才能使用",
	ReasonNotAllowedToSwitch: "此分类不允许用户切换风格，请联系管理员",
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  Reason
	Message string
}

func allow() Decision {
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

func deny(reason Reason) Decision {
	return Decision{Allowed: false, Reason: reason, Message: messages[reason]}
}

// Checker evaluates gating against the current catalog snapshot.
type Checker struct {
	handle *catalog.Handle
	now    func() time.Time
}

// NewChecker builds a checker reading admins and access lists through handle.
func NewChecker(handle *catalog.Handle) *Checker {
	return &Checker{handle: handle, now: time.Now}
}

// WithClock overrides the wall clock, for tests.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// IsAdmin reports whether id is a configured administrator.
func (c *Checker) IsAdmin(id int64) bool {
	return c.handle.Load().IsAdmin(id)
}

// CheckCommand evaluates the fixed gating order for one command. The first
// failing check wins; admins short-circuit to allow.
func (c *Checker) CheckCommand(user *store.User, cmd *catalog.Command, groupID *int64) Decision {
	var userID int64
	if user != nil {
		userID = user.QQID
	}

	if c.IsAdmin(userID) {
		return allow()
	}

	for _, blocked := range cmd.UserBlacklist {
		if blocked == userID {
			return deny(ReasonBlacklisted)
		}
	}

	if len(cmd.UserWhitelist) > 0 && !containsID(cmd.UserWhitelist, userID) {
		return deny(ReasonNotWhitelisted)
	}

	if len(cmd.GroupRestriction) > 0 && groupID != nil && !containsID(cmd.GroupRestriction, *groupID) {
		return deny(ReasonGroupRestricted)
	}

	if cmd.TimeRestriction != nil && !cmd.TimeRestriction.Contains(c.now()) {
		start, end := cmd.TimeRestriction.Window()
		return Decision{
			Allowed: false,
			Reason:  ReasonTimeRestricted,
			Message: fmt.Sprintf("此指令仅在 %s - %s 时段可用", start, end),
		}
	}

	if cmd.IsPrivileged && (user == nil || !user.IsPrivileged) {
		return deny(ReasonPrivilegeRequired)
	}

	return allow()
}

// CheckSetAccessLists evaluates the command set's user and group access lists
// against the current snapshot. Lists referenced by id that no longer exist
// are skipped. Admins short-circuit to allow.
func (c *Checker) CheckSetAccessLists(set *catalog.CommandSet, userID int64, groupID *int64) Decision {
	if c.IsAdmin(userID) {
		return allow()
	}
	cat := c.handle.Load()

	if set.UserAccessList != "" {
		if list := cat.AccessList(set.UserAccessList); list != nil && list.Type == catalog.ListTypeUser {
			switch list.Mode {
			case catalog.ModeWhitelist:
				if !list.Contains(userID) {
					return deny(ReasonNotWhitelisted)
				}
			case catalog.ModeBlacklist:
				if list.Contains(userID) {
					return deny(ReasonBlacklisted)
				}
			}
		}
	}

	if set.GroupAccessList != "" && groupID != nil {
		if list := cat.AccessList(set.GroupAccessList); list != nil && list.Type == catalog.ListTypeGroup {
			switch list.Mode {
			case catalog.ModeWhitelist:
				if !list.Contains(*groupID) {
					return deny(ReasonGroupRestricted)
				}
			case catalog.ModeBlacklist:
				if list.Contains(*groupID) {
					return deny(ReasonGroupRestricted)
				}
			}
		}
	}

	return allow()
}

// CheckStyleSwitch reports whether the user may switch styles in the
// category. Admins always may; otherwise the category must allow it or an
// admin must have granted the user a per-category override.
func (c *Checker) CheckStyleSwitch(user *store.User, cat *catalog.Category) Decision {
	var userID int64
	if user != nil {
		userID = user.QQID
	}

	if c.IsAdmin(userID) {
		return allow()
	}
	if cat.UserSwitchAllowed() {
		return allow()
	}
	if user != nil && user.CanSwitch(cat.ID) {
		return allow()
	}
	return deny(ReasonNotAllowedToSwitch)
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
