// Package admin implements the operator command flow. Each action is a
// typed variant with its own handler; the pending action between the
// command message and the target message lives in adminstate.
package admin

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rkxrichard/UzdenBot/internal/adminstate"
	"github.com/rkxrichard/UzdenBot/internal/apperr"
	"github.com/rkxrichard/UzdenBot/internal/keys"
	"github.com/rkxrichard/UzdenBot/internal/models"
	"github.com/rkxrichard/UzdenBot/internal/subscription"
	"github.com/rkxrichard/UzdenBot/internal/users"
)

// Action is a pending operator action awaiting its target message.
type Action string

const (
	ActionAddSubscription    Action = "add_subscription"
	ActionCheckSubscription  Action = "check_subscription"
	ActionRevokeSubscription Action = "revoke_subscription"
	ActionDisableUser        Action = "disable_user"
	ActionEnableUser         Action = "enable_user"
)

// Handler executes one action variant against a resolved user. The
// argument carries variant-specific extra input (days for add).
type Handler func(user *models.User, arg string) (string, error)

type Flow struct {
	Users    *users.Service
	Subs     *subscription.Service
	Keys     *keys.Service
	State    *adminstate.Store
	handlers map[Action]Handler
}

func NewFlow(userSvc *users.Service, subs *subscription.Service, keySvc *keys.Service, state *adminstate.Store) *Flow {
	f := &Flow{Users: userSvc, Subs: subs, Keys: keySvc, State: state}
	f.handlers = map[Action]Handler{
		ActionAddSubscription:    f.addSubscription,
		ActionCheckSubscription:  f.checkSubscription,
		ActionRevokeSubscription: f.revokeSubscription,
		ActionDisableUser:        f.disableUser,
		ActionEnableUser:         f.enableUser,
	}
	return f
}

// Begin stores the pending action for the operator. The target arrives
// in the next message.
func (f *Flow) Begin(ctx context.Context, operatorID int64, action Action) error {
	if _, ok := f.handlers[action]; !ok {
		return apperr.Validation("unknown admin action %q", action)
	}
	return f.State.Set(ctx, operatorID, string(action))
}

// Pending reports the operator's stored action, or "" when none.
func (f *Flow) Pending(ctx context.Context, operatorID int64) (Action, error) {
	raw, err := f.State.Get(ctx, operatorID)
	return Action(raw), err
}

// Resolve consumes the pending action and runs its handler against the
// target named in the message ("@username" or a numeric telegram id,
// optionally followed by a variant argument such as a day count).
func (f *Flow) Resolve(ctx context.Context, operatorID int64, message string) (string, error) {
	action, err := f.Pending(ctx, operatorID)
	if err != nil {
		return "", err
	}
	if action == "" {
		return "", apperr.Validation("no pending admin action")
	}
	if err := f.State.Clear(ctx, operatorID); err != nil {
		return "", err
	}

	target, arg := splitTarget(message)
	if target == "" {
		return "", apperr.Validation("empty target")
	}
	user, err := f.findTarget(target)
	if err != nil {
		return "", err
	}
	return f.handlers[action](user, arg)
}

func (f *Flow) findTarget(target string) (*models.User, error) {
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return f.Users.FindByTelegramID(id)
	}
	return f.Users.FindByUsername(target)
}

func (f *Flow) addSubscription(user *models.User, arg string) (string, error) {
	days, err := strconv.Atoi(arg)
	if err != nil || days <= 0 {
		return "", apperr.Validation("days must be a positive number")
	}
	sub, err := f.Subs.Extend(user, days)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Подписка продлена до %s", sub.EndDate.Format("02.01.2006")), nil
}

func (f *Flow) checkSubscription(user *models.User, _ string) (string, error) {
	sub, err := f.Subs.GetLast(user)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "Подписок нет", nil
	}
	daysLeft := f.Subs.DaysLeft(sub)
	if daysLeft == 0 {
		return fmt.Sprintf("Подписка истекла %s", sub.EndDate.Format("02.01.2006")), nil
	}
	return fmt.Sprintf("Подписка активна до %s (осталось дней: %d)", sub.EndDate.Format("02.01.2006"), daysLeft), nil
}

func (f *Flow) revokeSubscription(user *models.User, _ string) (string, error) {
	ended, err := f.Subs.RevokeAllActive(user)
	if err != nil {
		return "", err
	}
	revoked, err := f.Keys.RevokeAll(user)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Завершено подписок: %d, отозвано ключей: %d", ended, revoked), nil
}

func (f *Flow) disableUser(user *models.User, _ string) (string, error) {
	if err := f.Users.Disable(user); err != nil {
		return "", err
	}
	return fmt.Sprintf("Пользователь %s заблокирован", displayName(user)), nil
}

func (f *Flow) enableUser(user *models.User, _ string) (string, error) {
	if err := f.Users.Enable(user); err != nil {
		return "", err
	}
	return fmt.Sprintf("Пользователь %s разблокирован", displayName(user)), nil
}

func displayName(user *models.User) string {
	if user.Username != "" {
		return "@" + user.Username
	}
	return strconv.FormatInt(user.TelegramID, 10)
}

func splitTarget(message string) (target, arg string) {
	fields := strings.Fields(strings.TrimSpace(message))
	if len(fields) == 0 {
		return "", ""
	}
	target = strings.TrimPrefix(fields[0], "@")
	if len(fields) > 1 {
		arg = fields[1]
	}
	return target, arg
}
