package courtsite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/example/court-scheduler/internal/booking"
)

// QueryAvailability fetches the day grid for every court and folds it into a
// slot-time -> free-court-indices map, restricted to the requested window.
// Court lists are sorted ascending.
func (c *Client) QueryAvailability(ctx context.Context, date time.Time, window booking.TimeWindow) (map[string][]int, error) {
	out := make(map[string][]int)

	for idx, courtID := range courtIDs {
		free, err := c.courtGrid(ctx, date, courtID)
		if err != nil {
			return nil, err
		}
		for _, mins := range free {
			slot := minutesToSlot(mins)
			if !inWindow(mins, window) {
				continue
			}
			out[slot] = append(out[slot], idx+1)
		}
	}

	for slot := range out {
		sort.Ints(out[slot])
	}
	return out, nil
}

// courtGrid returns the free slot starts (minutes from midnight) for one
// court on one day.
func (c *Client) courtGrid(ctx context.Context, date time.Time, courtID int) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/index.php?s=grafik&id=%d&data=%s&format=json",
		c.baseURL, courtID, date.Format("2006-01-02"))
	status, body, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("availability grid: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("availability grid: status %d", status)
	}

	var raw []struct {
		Start int  `json:"start"` // minutes from midnight
		Free  bool `json:"free"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("availability grid: %w", err)
	}

	var free []int
	for _, s := range raw {
		if s.Free {
			free = append(free, s.Start)
		}
	}
	return free, nil
}

func minutesToSlot(mins int) string {
	return fmt.Sprintf("%02d:%02d", mins/60, mins%60)
}

func inWindow(mins int, w booking.TimeWindow) bool {
	if w.Start.IsZero() && w.End.IsZero() {
		return true
	}
	startMins := w.Start.Hour()*60 + w.Start.Minute()
	endMins := w.End.Hour()*60 + w.End.Minute()
	if !w.Start.IsZero() && mins < startMins {
		return false
	}
	if !w.End.IsZero() && endMins > 0 && mins > endMins {
		return false
	}
	return true
}
