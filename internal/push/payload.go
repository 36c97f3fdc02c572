// Package push builds web push notifications for queue entries and delivers
// them to browser push services.
package push

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lalithlochan/medreminder/internal/db"
)

const notificationIcon = "/icon-192x192.png"

// Action is a button rendered on the notification by the service worker.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Data is handed to the service worker's notificationclick handler.
type Data struct {
	MedicineID        string              `json:"medicineId"`
	MedicineName      string              `json:"medicineName"`
	Dosage            *string             `json:"dosage"`
	MealTiming        string              `json:"mealTiming"`
	ScheduledDatetime string              `json:"scheduledDatetime"`
	NotificationType  db.NotificationType `json:"notificationType"`
	URL               string              `json:"url"`
}

// Payload is the JSON document encrypted into the push message.
type Payload struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon"`
	Badge              string   `json:"badge"`
	Tag                string   `json:"tag"`
	Data               Data     `json:"data"`
	Actions            []Action `json:"actions"`
	RequireInteraction bool     `json:"requireInteraction"`
}

// NewPayload renders the notification for entry, formatting the dose time in loc.
func NewPayload(entry db.QueueEntry, med db.Medicine, loc *time.Location) Payload {
	if loc == nil {
		loc = time.UTC
	}

	scheduled := entry.ScheduledAt.UTC().Format(time.RFC3339)
	medicineID := entry.MedicineID.String()
	dose := joinNonEmpty(med.Name, deref(med.Dosage))

	p := Payload{
		Icon:    notificationIcon,
		Badge:   notificationIcon,
		Tag:     fmt.Sprintf("medicine-%s-%s", medicineID, scheduled),
		Actions: []Action{},
		Data: Data{
			MedicineID:        medicineID,
			MedicineName:      med.Name,
			Dosage:            med.Dosage,
			MealTiming:        med.MealTiming,
			ScheduledDatetime: scheduled,
			NotificationType:  entry.Type,
		},
	}

	switch entry.Type {
	case db.NotificationReminder:
		local := strings.ToLower(entry.ScheduledAt.In(loc).Format("03:04 PM"))
		p.Title = fmt.Sprintf("Medicine Reminder - %d minutes", reminderMinutes(entry.MinutesBefore))
		p.Body = fmt.Sprintf("%s at %s (%s meal)", dose, local, med.MealTiming)
		p.Data.URL = "/medicine-details/" + medicineID
	default:
		p.Title = "Time to take your medicine!"
		p.Body = fmt.Sprintf("%s - %s meal", dose, med.MealTiming)
		p.Data.URL = "/dashboard"
		p.Actions = []Action{
			{Action: "taken", Title: "✓ Taken"},
			{Action: "skip", Title: "✗ Skip"},
		}
		p.RequireInteraction = true
	}

	return p
}

// BuildPayload renders and encodes the notification for entry.
func BuildPayload(entry db.QueueEntry, med db.Medicine, loc *time.Location) ([]byte, error) {
	data, err := json.Marshal(NewPayload(entry, med, loc))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// reminderMinutes maps the stored lead to the two advertised lead times.
func reminderMinutes(minutesBefore int) int {
	if minutesBefore == 30 {
		return 30
	}
	return 15
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
