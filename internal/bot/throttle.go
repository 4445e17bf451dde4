package bot

import (
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

const throttleWindow = time.Second

// throttle drops updates from users hammering buttons faster than once
// per second. Backed by redis SET NX with a TTL, so the limit holds
// across restarts and replicas.
func (b *Bot) throttle(ctx *th.Context, update telego.Update) error {
	telegramID := updateSender(update)
	if telegramID == 0 {
		return ctx.Next(update)
	}

	key := "throttle:" + strconv.FormatInt(telegramID, 10)
	ok, err := b.Redis.SetNX(ctx.Context(), key, 1, throttleWindow).Result()
	if err != nil {
		// Redis being down must not take the bot down with it.
		b.Log.Warn("throttle check failed", "error", err)
		return ctx.Next(update)
	}
	if !ok {
		if update.CallbackQuery != nil {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(),
				tu.CallbackQuery(update.CallbackQuery.ID).WithText("Не так быстро 🙂"))
		}
		return nil
	}
	return ctx.Next(update)
}

func updateSender(update telego.Update) int64 {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From.ID
	case update.CallbackQuery != nil:
		return update.CallbackQuery.From.ID
	default:
		return 0
	}
}
