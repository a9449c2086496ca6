// Package router implements the dispatch engine: forced routes, system
// commands, scored command-set selection, policy gating, the final rule and
// the forward to downstream services.
package router

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wsdispatch/wsdispatch/internal/catalog"
	"github.com/wsdispatch/wsdispatch/internal/metrics"
	"github.com/wsdispatch/wsdispatch/internal/onebot"
	"github.com/wsdispatch/wsdispatch/internal/outbound"
	"github.com/wsdispatch/wsdispatch/internal/parser"
	"github.com/wsdispatch/wsdispatch/internal/policy"
	"github.com/wsdispatch/wsdispatch/internal/store"
)

// Request carries one inbound message through the routing pipeline.
type Request struct {
	Message  string
	UserID   int64
	GroupID  *int64
	Nickname string
	SelfID   int64
	RawEvent onebot.Event
}

// Result is the outcome of routing one message. The router never returns an
// error; every path lands here.
type Result struct {
	Success         bool
	TargetWS        string
	CommandSet      *catalog.CommandSet
	Command         *catalog.Command
	Response        string
	ErrorMessage    string
	IsSystemCommand bool

	// InternalError is recorded in the audit log but never sent to the user.
	InternalError string
}

var (
	forcedRoutePattern = regexp.MustCompile(`^(\S+)\s+(/\S+.*)$`)

	// strip_prefix removes the leading prefix and delimiter run. The slash is
	// excluded from the class so the command token itself survives.
	stripPrefixPattern = regexp.MustCompile(`^[^\w/]+`)
)

// Router dispatches inbound messages. It is constructed once at startup and
// shared across inbound clients.
type Router struct {
	handle  *catalog.Handle
	checker *policy.Checker
	pool    *outbound.Pool
	store   *store.Store
}

// New builds a router on top of the catalog snapshot, policy checker,
// outbound pool and user store.
func New(handle *catalog.Handle, checker *policy.Checker, pool *outbound.Pool, st *store.Store) *Router {
	return &Router{handle: handle, checker: checker, pool: pool, store: st}
}

// Route dispatches one message and returns the outcome.
func (r *Router) Route(req Request) Result {
	res := r.route(req)

	switch {
	case res.IsSystemCommand:
		metrics.Get().RecordDispatch("system")
	case res.Success && res.TargetWS != "":
		metrics.Get().RecordDispatch("forwarded")
	case res.Success:
		metrics.Get().RecordDispatch("allowed")
	case res.InternalError != "":
		metrics.Get().RecordDispatch("error")
	default:
		metrics.Get().RecordDispatch("rejected")
	}
	return res
}

func (r *Router) route(req Request) Result {
	cat := r.handle.Load()

	user, err := r.store.GetOrCreateUser(req.UserID, req.Nickname)
	if err != nil {
		log.Error().Err(err).Int64("user_id", req.UserID).Msg("User upsert failed")
		user = &store.User{QQID: req.UserID, Nickname: req.Nickname}
	}

	if res := r.tryForcedRoute(cat, req, user); res != nil {
		return *res
	}

	parsed := cat.Parser().Parse(req.Message)
	if !parsed.IsCommand {
		return r.applyFinalRule(cat, req)
	}

	if res := r.handleSystemCommand(cat, parsed, user); res != nil {
		return *res
	}

	set, cmd := r.selectCommand(cat, parsed, user)
	if set == nil || cmd == nil {
		return r.applyFinalRule(cat, req)
	}

	if decision := r.checkPolicy(user, set, cmd, req.GroupID); !decision.Allowed {
		return Result{CommandSet: set, Command: cmd, ErrorMessage: decision.Message}
	}

	return r.forward(set, cmd, req, outboundText(set, req.Message))
}

// tryForcedRoute handles the "<set-name> /cmd args" form, pinning the command
// to the named set and bypassing scoring entirely.
func (r *Router) tryForcedRoute(cat *catalog.Catalog, req Request, user *store.User) *Result {
	m := forcedRoutePattern.FindStringSubmatch(strings.TrimSpace(req.Message))
	if m == nil {
		return nil
	}

	set := cat.SetByName(m[1])
	if set == nil {
		return nil
	}

	parsed := cat.Parser().Parse(m[2])
	if !parsed.IsCommand {
		return nil
	}

	cmd := set.FindCommand(parsed.Command)
	if cmd == nil {
		return &Result{
			ErrorMessage:    fmt.Sprintf("指令集 %s 中没有指令 %s", set.Name, parsed.Command),
			IsSystemCommand: true,
		}
	}

	if decision := r.checkPolicy(user, set, cmd, req.GroupID); !decision.Allowed {
		return &Result{CommandSet: set, Command: cmd, ErrorMessage: decision.Message}
	}

	res := r.forward(set, cmd, req, outboundText(set, m[2]))
	return &res
}

func (r *Router) checkPolicy(user *store.User, set *catalog.CommandSet, cmd *catalog.Command, groupID *int64) policy.Decision {
	if decision := r.checker.CheckCommand(user, cmd, groupID); !decision.Allowed {
		return decision
	}
	return r.checker.CheckSetAccessLists(set, user.QQID, groupID)
}

func outboundText(set *catalog.CommandSet, text string) string {
	if !set.StripPrefix {
		return text
	}
	return stripPrefixPattern.ReplaceAllString(strings.TrimSpace(text), "")
}

// selectCommand resolves the parsed command to a set. A recognized prefix
// wins outright when its set knows the command; otherwise every enabled set
// containing the command competes on score.
func (r *Router) selectCommand(cat *catalog.Catalog, parsed parser.Parsed, user *store.User) (*catalog.CommandSet, *catalog.Command) {
	if parsed.Prefix != "" {
		if set := cat.SetByPrefix(parsed.Prefix); set != nil {
			if cmd := set.FindCommand(parsed.Command); cmd != nil {
				return set, cmd
			}
		}
	}

	type match struct {
		set *catalog.CommandSet
		cmd *catalog.Command
	}
	var matches []match
	for _, set := range cat.EnabledSets() {
		if cmd := set.FindCommand(parsed.Command); cmd != nil {
			matches = append(matches, match{set: set, cmd: cmd})
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	score := func(set *catalog.CommandSet) int {
		s := set.Priority * 10
		if set.Category != "" {
			if style, ok := user.SelectedStyle(set.Category); ok && style == set.ID {
				s += 1000
			}
			if c := cat.CategoryByID(set.Category); c != nil && c.DefaultCommandSet == set.ID {
				s += 100
			}
		}
		if set.IsPublic {
			s += 50
		}
		return s
	}

	sort.SliceStable(matches, func(i, j int) bool {
		si, sj := score(matches[i].set), score(matches[j].set)
		if si != sj {
			return si > sj
		}
		if matches[i].set.Priority != matches[j].set.Priority {
			return matches[i].set.Priority > matches[j].set.Priority
		}
		return matches[i].set.ID < matches[j].set.ID
	})
	return matches[0].set, matches[0].cmd
}

func (r *Router) forward(set *catalog.CommandSet, cmd *catalog.Command, req Request, text string) Result {
	frame, err := onebot.ForwardEnvelope(req.RawEvent, req.SelfID, req.UserID, req.GroupID, text)
	if err != nil {
		return Result{
			CommandSet:    set,
			Command:       cmd,
			TargetWS:      set.TargetWS,
			InternalError: fmt.Sprintf("build forward envelope: %v", err),
		}
	}

	if err := r.pool.Send(set.TargetWS, frame); err != nil {
		// Not surfaced to the user, only audited; spamming the chat on a
		// downstream outage would be worse than silence.
		log.Error().Err(err).Str("target_ws", set.TargetWS).Msg("Forward failed")
		return Result{
			CommandSet:    set,
			Command:       cmd,
			TargetWS:      set.TargetWS,
			InternalError: fmt.Sprintf("forward to %s: %v", set.TargetWS, err),
		}
	}

	metrics.Get().RecordForward(set.TargetWS)
	log.Info().
		Str("target_ws", set.TargetWS).
		Str("command_set", set.ID).
		Str("command", cmd.Name).
		Int64("user_id", req.UserID).
		Msg("Forwarded message")

	return Result{Success: true, TargetWS: set.TargetWS, CommandSet: set, Command: cmd}
}

// applyFinalRule handles text that never resolved to a command set.
func (r *Router) applyFinalRule(cat *catalog.Catalog, req Request) Result {
	final := cat.Final()

	switch final.Action {
	case catalog.FinalForward:
		if final.TargetWS == "" {
			return Result{Success: true}
		}
		frame, err := onebot.ForwardEnvelope(nil, 0, 0, nil, req.Message)
		if err != nil {
			return Result{TargetWS: final.TargetWS, InternalError: fmt.Sprintf("build forward envelope: %v", err)}
		}
		if err := r.pool.Send(final.TargetWS, frame); err != nil {
			log.Error().Err(err).Str("target_ws", final.TargetWS).Msg("Final-rule forward failed")
			return Result{TargetWS: final.TargetWS, InternalError: fmt.Sprintf("forward to %s: %v", final.TargetWS, err)}
		}
		metrics.Get().RecordForward(final.TargetWS)
		return Result{Success: true, TargetWS: final.TargetWS}

	case catalog.FinalAllow:
		return Result{Success: true}

	default: // reject
		res := Result{}
		if final.ShouldSendMessage() {
			res.ErrorMessage = final.Message
		}
		return res
	}
}

// handleSystemCommand dispatches the built-in commands. Matching is on the
// first token of the parsed command, lowercased; nil means "not a system
// command, keep routing".
func (r *Router) handleSystemCommand(cat *catalog.Catalog, parsed parser.Parsed, user *store.User) *Result {
	switch strings.ToLower(parsed.Command) {
	case "/help":
		return r.handleHelp()
	case "/list":
		return r.handleList(cat, parsed.Args, user)
	case "/style":
		return r.handleStyle(cat, parsed.Args, user)
	case "/status":
		return r.handleStatus(cat)
	case "/admin":
		return r.handleAdmin(cat, parsed.Args, user)
	}
	return nil
}

func systemReply(response string) *Result {
	return &Result{Success: true, Response: response, IsSystemCommand: true}
}

func systemError(message string) *Result {
	return &Result{ErrorMessage: message, IsSystemCommand: true}
}

func (r *Router) handleHelp() *Result {
	lines := []string{
		"📖 指令帮助",
		"",
		"系统指令：",
		"  /help - 显示帮助信息",
		"  /status - 显示系统状态",
		"  /list - 列出所有分类",
		"  /list <分类> - 列出分类下的指令集",
		"  /style list - 列出可选风格",
		"  /style select <组> <风格> - 选择风格",
		"  /style current - 查看当前风格",
		"",
		"你也可以使用指令集前缀临时调用：",
		"  <指令集名称>:<指令>",
		"  例如：可爱风格:/chat 你好",
	}
	return systemReply(strings.Join(lines, "\n"))
}

func (r *Router) handleList(cat *catalog.Catalog, args string, user *store.User) *Result {
	args = strings.TrimSpace(args)

	if args == "" {
		lines := []string{"📂 可用分类：", ""}
		for _, category := range cat.Categories() {
			lines = append(lines, fmt.Sprintf("  【%s】", category.Display()))
			lines = append(lines, fmt.Sprintf("    /list %s", category.Display()))
		}
		if len(cat.Categories()) == 0 {
			lines = append(lines, "  暂无分类")
		}
		return systemReply(strings.Join(lines, "\n"))
	}

	category := cat.FindCategory(args)
	if category == nil {
		return systemError(fmt.Sprintf("分类 '%s' 不存在", args))
	}

	lines := []string{fmt.Sprintf("📂 %s", category.Display())}
	if category.Description != "" {
		lines = append(lines, "", category.Description)
	}
	lines = append(lines, "", "可选风格：")

	selected, _ := user.SelectedStyle(category.ID)
	for _, set := range cat.SetsByCategory(category.ID) {
		current := ""
		if selected == set.ID {
			current = " ✓ 当前"
		}
		lines = append(lines, fmt.Sprintf("  【%s】%s", set.Name, current))
		if set.Description != "" {
			lines = append(lines, fmt.Sprintf("    %s", set.Description))
		}
	}
	return systemReply(strings.Join(lines, "\n"))
}

func (r *Router) handleStyle(cat *catalog.Catalog, args string, user *store.User) *Result {
	parts := strings.Fields(args)

	if len(parts) == 0 || parts[0] == "list" {
		lines := []string{"🎨 可选风格：", ""}
		for _, category := range cat.Categories() {
			sets := cat.SetsByCategory(category.ID)
			if len(sets) == 0 {
				continue
			}
			lines = append(lines, fmt.Sprintf("【%s】", category.Display()))
			selected, _ := user.SelectedStyle(category.ID)
			for _, set := range sets {
				current := ""
				if selected == set.ID {
					current = " ✓"
				}
				lock := ""
				if !category.UserSwitchAllowed() {
					lock = " 🔒"
				}
				lines = append(lines, fmt.Sprintf("  %s%s%s", set.Name, current, lock))
			}
			lines = append(lines, "")
		}
		if len(lines) == 2 {
			lines = append(lines, "  暂无可选风格")
		}
		lines = append(lines, "用法: /style select <分类> <风格>")
		return systemReply(strings.Join(lines, "\n"))
	}

	if parts[0] == "current" {
		lines := []string{"🎨 当前风格：", ""}
		categoryIDs := make([]string, 0, len(user.SelectedStyles))
		for categoryID := range user.SelectedStyles {
			categoryIDs = append(categoryIDs, categoryID)
		}
		sort.Strings(categoryIDs)
		for _, categoryID := range categoryIDs {
			name := categoryID
			if category := cat.CategoryByID(categoryID); category != nil {
				name = category.Display()
			}
			if set := cat.SetByID(user.SelectedStyles[categoryID]); set != nil {
				lines = append(lines, fmt.Sprintf("  %s: %s", name, set.Name))
			}
		}
		if len(lines) == 2 {
			lines = append(lines, "  暂未选择任何风格")
		}
		return systemReply(strings.Join(lines, "\n"))
	}

	if parts[0] == "select" && len(parts) >= 3 {
		categoryKey := parts[1]
		styleName := strings.Join(parts[2:], " ")

		category := cat.FindCategory(categoryKey)
		if category == nil {
			return systemError(fmt.Sprintf("分类 '%s' 不存在", categoryKey))
		}

		if decision := r.checker.CheckStyleSwitch(user, category); !decision.Allowed {
			return systemError(decision.Message)
		}

		var target *catalog.CommandSet
		for _, set := range cat.SetsByCategory(category.ID) {
			if strings.EqualFold(set.Name, styleName) || set.ID == styleName {
				target = set
				break
			}
		}
		if target == nil {
			return systemError(fmt.Sprintf("分类 '%s' 下没有风格 '%s'", category.Display(), styleName))
		}

		if err := r.store.SetSelectedStyle(user.QQID, category.ID, target.ID); err != nil {
			log.Error().Err(err).Int64("user_id", user.QQID).Msg("Style switch persist failed")
			return systemError("操作失败")
		}
		return systemReply(fmt.Sprintf("✅ 已切换【%s】分类到【%s】风格", category.Display(), target.Name))
	}

	return systemError("用法: /style [list|current|select <分类> <风格>]")
}

func (r *Router) handleStatus(cat *catalog.Catalog) *Result {
	lines := []string{"📊 系统状态：", ""}
	lines = append(lines, fmt.Sprintf("指令集: %d 个", cat.CountSets()))
	lines = append(lines, fmt.Sprintf("分类: %d 个", cat.CountCategories()))
	lines = append(lines, "", "WebSocket 连接：")

	for _, status := range r.pool.Statuses() {
		state := "❌ 未连接"
		if status.State == outbound.StateOpen {
			state = "✅ 已连接"
		}
		lines = append(lines, fmt.Sprintf("  %s: %s", status.Name, state))
	}
	return systemReply(strings.Join(lines, "\n"))
}

func (r *Router) handleAdmin(cat *catalog.Catalog, args string, user *store.User) *Result {
	if !r.checker.IsAdmin(user.QQID) {
		return systemError("你没有管理员权限")
	}

	parts := strings.Fields(args)
	if len(parts) == 0 {
		lines := []string{
			"🔧 管理员指令：",
			"",
			"  /admin allow <QQ号> <互斥组> - 允许用户切换风格",
			"  /admin deny <QQ号> <互斥组> - 禁止用户切换风格",
			"  /admin set <QQ号> <互斥组> <风格> - 为用户设置风格",
			"  /admin privilege <QQ号> [on|off] - 设置用户特权",
		}
		return systemReply(strings.Join(lines, "\n"))
	}

	switch parts[0] {
	case "allow":
		if len(parts) < 3 {
			break
		}
		targetQQ, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			break
		}
		group := parts[2]
		if err := r.store.AllowSwitchGroup(targetQQ, group); err != nil {
			log.Error().Err(err).Int64("user_id", targetQQ).Msg("Admin allow failed")
			return systemError("操作失败")
		}
		return systemReply(fmt.Sprintf("✅ 已允许用户 %d 切换 %s 风格", targetQQ, group))

	case "deny":
		if len(parts) < 3 {
			break
		}
		targetQQ, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			break
		}
		group := parts[2]
		if err := r.store.DenySwitchGroup(targetQQ, group); err != nil {
			log.Error().Err(err).Int64("user_id", targetQQ).Msg("Admin deny failed")
			return systemError("操作失败")
		}
		return systemReply(fmt.Sprintf("✅ 已禁止用户 %d 切换 %s 风格", targetQQ, group))

	case "set":
		if len(parts) < 4 {
			break
		}
		targetQQ, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			break
		}
		group := parts[2]
		styleName := strings.Join(parts[3:], " ")

		var target *catalog.CommandSet
		for _, set := range cat.SetsByCategory(group) {
			if set.Name == styleName || set.ID == styleName {
				target = set
				break
			}
		}
		if target == nil {
			return systemError(fmt.Sprintf("风格 '%s' 不存在", styleName))
		}
		if err := r.store.SetSelectedStyle(targetQQ, group, target.ID); err != nil {
			log.Error().Err(err).Int64("user_id", targetQQ).Msg("Admin set style failed")
			return systemError("操作失败")
		}
		return systemReply(fmt.Sprintf("✅ 已为用户 %d 设置 %s 风格为【%s】", targetQQ, group, target.Name))

	case "privilege":
		if len(parts) < 2 {
			break
		}
		targetQQ, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			break
		}
		enable := true
		if len(parts) > 2 {
			enable = strings.ToLower(parts[2]) == "on"
		}
		if err := r.store.SetPrivileged(targetQQ, enable); err != nil {
			log.Error().Err(err).Int64("user_id", targetQQ).Msg("Admin privilege failed")
			return systemError("操作失败")
		}
		state := "开启"
		if !enable {
			state = "关闭"
		}
		return systemReply(fmt.Sprintf("✅ 已%s用户 %d 的特权", state, targetQQ))
	}

	return systemError("无效的管理员指令")
}
