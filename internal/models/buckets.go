package models

import (
	"sort"
	"time"
)

// dayLabelLayout renders a calendar day the way the conversation screen
// groups messages (day/month/year).
const dayLabelLayout = "02/01/2006"

// DayBucket groups the messages of one calendar day. Buckets are kept in
// chronological order and messages within a bucket in ascending id order.
type DayBucket struct {
	Label    string    `json:"label"`
	Messages []Message `json:"messages"`
}

// DayLabel formats a timestamp as its bucket label.
func DayLabel(t time.Time) string {
	return t.Format(dayLabelLayout)
}

// ParseDayLabel turns a bucket label back into a calendar date for ordering.
func ParseDayLabel(label string) (time.Time, error) {
	return time.Parse(dayLabelLayout, label)
}

// BuildBuckets groups a flat authoritative message list into ordered day
// buckets. The input order does not matter.
func BuildBuckets(msgs []Message) []DayBucket {
	byLabel := make(map[string]int)
	var buckets []DayBucket
	for _, m := range msgs {
		label := DayLabel(m.SentAt)
		i, ok := byLabel[label]
		if !ok {
			buckets = append(buckets, DayBucket{Label: label})
			i = len(buckets) - 1
			byLabel[label] = i
		}
		buckets[i].Messages = append(buckets[i].Messages, m)
	}
	for i := range buckets {
		sortMessages(buckets[i].Messages)
	}
	sortBuckets(buckets)
	return buckets
}

// InsertMessage places a single message into the right day bucket, creating
// the bucket when needed, and preserves the date/id ordering invariant.
// The input slice is not modified; callers receive the updated buckets.
func InsertMessage(buckets []DayBucket, m Message) []DayBucket {
	out := CloneBuckets(buckets)
	label := DayLabel(m.SentAt)
	for i := range out {
		if out[i].Label == label {
			out[i].Messages = append(out[i].Messages, m)
			sortMessages(out[i].Messages)
			return out
		}
	}
	out = append(out, DayBucket{Label: label, Messages: []Message{m}})
	sortBuckets(out)
	return out
}

// CloneBuckets deep-copies a bucket list so cached state is never aliased by
// the live view.
func CloneBuckets(buckets []DayBucket) []DayBucket {
	if buckets == nil {
		return nil
	}
	out := make([]DayBucket, len(buckets))
	for i, b := range buckets {
		out[i] = DayBucket{Label: b.Label, Messages: append([]Message(nil), b.Messages...)}
	}
	return out
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
}

func sortBuckets(buckets []DayBucket) {
	sort.SliceStable(buckets, func(i, j int) bool {
		di, erri := ParseDayLabel(buckets[i].Label)
		dj, errj := ParseDayLabel(buckets[j].Label)
		if erri != nil || errj != nil {
			return buckets[i].Label < buckets[j].Label
		}
		return di.Before(dj)
	})
}
