package publish

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"paidpost/internal/store"
	"paidpost/internal/telegram"
)

const (
	maxCaptionRunes  = 1024
	maxTitleRunes    = 256
	maxCategoryRunes = 64
)

// Render builds the channel post for o.
func Render(o store.Order) telegram.Publication {
	title := o.Title
	if title == "" {
		title = "Без названия"
	}
	category := o.Category
	if category == "" {
		category = "Разное"
	}
	article := "—"
	if o.Article != nil {
		article = fmt.Sprintf("%d", *o.Article)
	}
	stocks := 0
	if o.Stocks != nil {
		stocks = *o.Stocks
	}

	var rest strings.Builder
	fmt.Fprintf(&rest, "💰 <b>Цена со скидкой:</b> %s\n", rubles(o.Price))
	fmt.Fprintf(&rest, "💸 <s>Цена старая: %s</s>\n", rubles(o.BasicPrice))
	fmt.Fprintf(&rest, "🛒 <b>Остаток:</b> %d шт.\n", stocks)
	fmt.Fprintf(&rest, "📝 <b>Артикул:</b> %s\n\n", article)
	rest.WriteString("#" + html.EscapeString(strings.ReplaceAll(clip(category, maxCategoryRunes), " ", "_")))

	// fields are cut before markup is built so tags and entities stay whole
	budget := maxCaptionRunes - utf8.RuneCountInString(rest.String()) - utf8.RuneCountInString("✅ <b></b>\n\n")
	text := escapeWithin(clip(title, maxTitleRunes), budget)
	head := "✅ <b>" + text + "</b>\n\n"
	link := html.EscapeString(o.URL)
	if o.URL != "" && utf8.RuneCountInString(text+link+`<a href=""></a>`) <= budget {
		head = "✅ <b><a href=\"" + link + "\">" + text + "</a></b>\n\n"
	}

	p := telegram.Publication{
		Caption: head + rest.String(),
		Spoiler: IsAdult(category),
	}
	if o.ImageURL != nil {
		p.ImageURL = *o.ImageURL
	}
	return p
}

// IsAdult reports whether listings in category must be hidden behind a
// spoiler.
func IsAdult(category string) bool {
	c := strings.ToLower(category)
	return strings.Contains(c, "18") || strings.Contains(c, "adult") || strings.Contains(c, "nsfw")
}

func rubles(v *float64) string {
	if v == nil || *v == 0 {
		return "—"
	}
	return fmt.Sprintf("%d ₽", int64(*v))
}

// clip cuts s to n visible runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// escapeWithin HTML-escapes s so the result is at most n runes. Entities are
// never split.
func escapeWithin(s string, n int) string {
	escaped := html.EscapeString(s)
	if utf8.RuneCountInString(escaped) <= n {
		return escaped
	}
	var b strings.Builder
	used := 0
	for _, r := range s {
		e := html.EscapeString(string(r))
		w := utf8.RuneCountInString(e)
		if used+w > n-1 {
			break
		}
		b.WriteString(e)
		used += w
	}
	b.WriteString("…")
	return b.String()
}
