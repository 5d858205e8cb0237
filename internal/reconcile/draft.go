package reconcile

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"paidpost/internal/store"
)

// Metadata keys carried on the provider payment.
const (
	MetaOrderRef      = "order_id"
	MetaUserID        = "user_id"
	MetaTelegramID    = "tg_id"
	MetaURL           = "url"
	MetaName          = "name"
	MetaDescription   = "description"
	MetaImageURL      = "image_url"
	MetaPrice         = "price"
	MetaBasicPrice    = "basic_price"
	MetaStocks        = "stocks"
	MetaArticle       = "article"
	MetaScheduledDate = "scheduled_date"
	MetaCategory      = "category"
)

// metaLimits bounds metadata values sent to the provider.
var metaLimits = map[string]int{
	MetaUserID:        64,
	MetaURL:           200,
	MetaName:          128,
	MetaDescription:   200,
	MetaPrice:         32,
	MetaScheduledDate: 64,
	MetaCategory:      64,
	MetaImageURL:      200,
	MetaBasicPrice:    32,
	MetaStocks:        16,
	MetaArticle:       32,
}

var ErrIncompleteDraft = errors.New("payment metadata lacks order fields")

var controlRun = regexp.MustCompile(`[\r\n\t]+`)

// SanitizeMetadata flattens control characters and cuts every known field to
// its limit. Unknown keys are dropped.
func SanitizeMetadata(meta map[string]string) map[string]string {
	out := make(map[string]string, len(metaLimits)+1)
	for key, limit := range metaLimits {
		v := strings.TrimSpace(controlRun.ReplaceAllString(meta[key], " "))
		if r := []rune(v); len(r) > limit {
			v = string(r[:limit])
		}
		if v != "" {
			out[key] = v
		}
	}
	if _, ok := out[MetaUserID]; !ok {
		if tg := strings.TrimSpace(meta[MetaTelegramID]); tg != "" && len(tg) <= metaLimits[MetaUserID] {
			out[MetaUserID] = tg
		}
	}
	return out
}

// DraftFromMetadata builds the order for a paid payment. Naive scheduled
// dates are read in loc; a missing date means now.
func DraftFromMetadata(paymentID string, meta map[string]string, loc *time.Location, now time.Time) (store.OrderDraft, error) {
	d := store.OrderDraft{
		PaymentID:   paymentID,
		SellerID:    buyerID(meta),
		URL:         meta[MetaURL],
		Title:       meta[MetaName],
		Description: meta[MetaDescription],
		ImageURL:    meta[MetaImageURL],
		Category:    meta[MetaCategory],
	}
	if d.URL == "" || d.SellerID == "" {
		return store.OrderDraft{}, ErrIncompleteDraft
	}

	var err error
	if d.Price, err = optionalFloat(meta[MetaPrice]); err != nil {
		return store.OrderDraft{}, fmt.Errorf("price: %w", err)
	}
	if d.BasicPrice, err = optionalFloat(meta[MetaBasicPrice]); err != nil {
		return store.OrderDraft{}, fmt.Errorf("basic price: %w", err)
	}
	if v := meta[MetaStocks]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return store.OrderDraft{}, fmt.Errorf("stocks: %w", err)
		}
		d.Stocks = &n
	}
	if v := meta[MetaArticle]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return store.OrderDraft{}, fmt.Errorf("article: %w", err)
		}
		d.Article = &n
	}

	d.ScheduledAt = now
	if v := meta[MetaScheduledDate]; v != "" {
		at, err := ParseScheduledDate(v, loc)
		if err != nil {
			return store.OrderDraft{}, err
		}
		d.ScheduledAt = at
	}
	return d, nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseScheduledDate accepts RFC 3339 or a naive ISO date-time in loc.
func ParseScheduledDate(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable scheduled date %q", v)
}

func buyerID(meta map[string]string) string {
	if v := meta[MetaUserID]; v != "" {
		return v
	}
	return meta[MetaTelegramID]
}

func buyerChat(meta map[string]string) int64 {
	id, err := strconv.ParseInt(buyerID(meta), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func optionalFloat(v string) (*float64, error) {
	v = strings.TrimSpace(strings.ReplaceAll(v, ",", "."))
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
