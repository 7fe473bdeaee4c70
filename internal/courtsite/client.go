// Package courtsite is the HTTP client for the booking platform. It
// implements the availability and reservation interfaces the saga consumes:
// cookie-session login, single-slot booking, reservation listing and
// cancellation. The platform speaks form-encoded requests and JSON responses.
package courtsite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/court-scheduler/internal/booking"
)

const (
	serviceID = "33676"

	queryTimeout = 10 * time.Second
	bookTimeout  = 15 * time.Second
)

// courtIDs maps 1-based court indices to the platform's court ids.
var courtIDs = []int{34623, 34624, 34625, 34626}

type Credentials struct {
	Email    string
	Password string
}

// Client is a per-owner session against the platform. Not safe for
// concurrent use; callers hold the owner's identity lock.
type Client struct {
	hc      *http.Client
	baseURL string
	creds   Credentials

	loggedIn bool
}

func New(baseURL string, creds Credentials) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hc:      &http.Client{Jar: jar},
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
	}, nil
}

// Login authenticates the session. It is cheap to call repeatedly: an
// already-authenticated session is reused.
func (c *Client) Login(ctx context.Context) error {
	if c.loggedIn {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	form := url.Values{
		"email":    {c.creds.Email},
		"password": {c.creds.Password},
		"login":    {"true"},
	}
	status, body, err := c.postForm(ctx, c.baseURL+"/index.php?s=logowanie", form, nil)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("login request: status %d", status)
	}
	// only an explicit platform rejection means bad credentials; transport
	// and server faults above stay ordinary errors so callers can retry
	if strings.Contains(string(body), "logowanie_blad") {
		return fmt.Errorf("login rejected: %w", booking.ErrAuthentication)
	}
	c.loggedIn = true
	return nil
}

// AttemptReservation books one court for the single hour starting at start.
// A transport failure, non-200 status or unparseable body is returned as an
// error; a platform-side refusal (slot taken) is a non-error unsuccessful
// result.
func (c *Client) AttemptReservation(ctx context.Context, start time.Time, court int) (booking.BookResult, error) {
	if court < 1 || court > len(courtIDs) {
		return booking.BookResult{}, fmt.Errorf("court index %d out of range", court)
	}
	courtID := courtIDs[court-1]

	ctx, cancel := context.WithTimeout(ctx, bookTimeout)
	defer cancel()

	end := start.Add(time.Hour)
	reqURL := fmt.Sprintf("%s/index.php?s=rezerwacja&id=%d&start=%d&end=%d",
		c.baseURL, courtID, start.Unix(), end.Unix())

	form := url.Values{
		"usluga":                        {serviceID},
		"godzina_" + serviceID:          {start.Format("15:04") + "|1|0.00|6"},
		"ilosc_szt_godzina_" + serviceID: {"1"},
		"id":         {strconv.Itoa(courtID)},
		"data":       {start.Format("2006-01-02")},
		"datat":      {strconv.FormatInt(start.Unix(), 10)},
		"rezerwacja": {"1"},
	}
	headers := map[string]string{
		"X-Requested-With": "XMLHttpRequest",
		"Accept":           "application/json, text/javascript, */*; q=0.01",
		"Referer":          reqURL,
	}

	status, body, err := c.postForm(ctx, reqURL, form, headers)
	if err != nil {
		return booking.BookResult{}, fmt.Errorf("reservation request: %w", err)
	}
	if status != http.StatusOK {
		return booking.BookResult{}, fmt.Errorf("reservation request: status %d", status)
	}

	var res struct {
		Error bool   `json:"error"`
		Msg   string `json:"msg"`
		ID    string `json:"id"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return booking.BookResult{}, fmt.Errorf("reservation response: %w", err)
	}
	return booking.BookResult{Success: !res.Error, Message: res.Msg, BackendID: res.ID}, nil
}

// ListReservations returns the owner's current bookings.
func (c *Client) ListReservations(ctx context.Context) ([]booking.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	status, body, err := c.get(ctx, c.baseURL+"/index.php?s=moje_rezerwacje&format=json")
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list reservations: status %d", status)
	}

	var raw []struct {
		ID      string `json:"id"`
		Start   int64  `json:"start"`
		CourtID int    `json:"court_id"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}

	out := make([]booking.Reservation, 0, len(raw))
	for _, r := range raw {
		out = append(out, booking.Reservation{
			BackendID: r.ID,
			Start:     time.Unix(r.Start, 0),
			Court:     courtIndex(r.CourtID),
		})
	}
	return out, nil
}

// CancelReservation cancels one booking by its platform id.
func (c *Client) CancelReservation(ctx context.Context, backendID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	form := url.Values{"anuluj": {backendID}}
	status, body, err := c.postForm(ctx, c.baseURL+"/index.php?s=rezerwacja", form, map[string]string{
		"X-Requested-With": "XMLHttpRequest",
	})
	if err != nil {
		return false, fmt.Errorf("cancel reservation: %w", err)
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("cancel reservation: status %d", status)
	}

	var res struct {
		Error bool `json:"error"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return false, fmt.Errorf("cancel reservation: %w", err)
	}
	return !res.Error, nil
}

func courtIndex(courtID int) int {
	for i, id := range courtIDs {
		if id == courtID {
			return i + 1
		}
	}
	return 0
}

func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req)
}

func (c *Client) get(ctx context.Context, rawURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}
