// Package client talks to a PeerMatch server over its REST API and
// signaling socket. One API value is one identity: the client token cookie
// lives in its jar.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/PeerMatch/internal/app/match"
	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
)

var ErrRateLimited = errors.New("match attempts rate limited")

// StatusError is a reply the client has no sentinel for.
type StatusError struct {
	Status int
	Code   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server replied %d: %s", e.Status, e.Code)
}

type API struct {
	base *url.URL
	http *http.Client
}

type Option func(*API)

// WithTimeout bounds every REST call.
func WithTimeout(d time.Duration) Option {
	return func(a *API) { a.http.Timeout = d }
}

func New(base string, opts ...Option) (*API, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: want http or https", base)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	a := &API{base: u, http: &http.Client{Jar: jar, Timeout: 10 * time.Second}}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *API) Me(ctx context.Context) (domain.User, error) {
	var u domain.User
	_, err := a.do(ctx, http.MethodGet, "/api/me", nil, &u)
	return u, err
}

func (a *API) Rename(ctx context.Context, username string) (domain.User, error) {
	var u domain.User
	_, err := a.do(ctx, http.MethodPut, "/api/me", map[string]string{"username": username}, &u)
	return u, err
}

func (a *API) Join(ctx context.Context, details domain.Details, prefs domain.Preferences) (domain.QueueEntry, error) {
	body := struct {
		Details     domain.Details     `json:"userDetails"`
		Preferences domain.Preferences `json:"preferences"`
	}{details, prefs}
	var e domain.QueueEntry
	_, err := a.do(ctx, http.MethodPost, "/api/queue", body, &e)
	return e, err
}

func (a *API) Leave(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodDelete, "/api/queue", nil, nil)
	return err
}

// Status reports the newest waiting or matched entry of this identity.
func (a *API) Status(ctx context.Context) (domain.QueueEntry, bool, error) {
	var e domain.QueueEntry
	_, err := a.do(ctx, http.MethodGet, "/api/queue", nil, &e)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return domain.QueueEntry{}, false, nil
	}
	if err != nil {
		return domain.QueueEntry{}, false, err
	}
	return e, true, nil
}

// AttemptMatch implements match.Attempter. The server resolves requester
// and preferences from the client token, so both arguments are ignored.
func (a *API) AttemptMatch(ctx context.Context, _ domain.UserID, _ domain.Preferences) (match.Match, error) {
	var m match.Match
	status, err := a.do(ctx, http.MethodPost, "/api/match", nil, &m)
	if err != nil {
		return match.Match{}, err
	}
	if status == http.StatusAccepted {
		return match.Match{}, core.ErrNoCandidate
	}
	return m, nil
}

func (a *API) Room(ctx context.Context, room domain.RoomID) (domain.Room, error) {
	var r domain.Room
	_, err := a.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(string(room)), nil, &r)
	return r, err
}

func (a *API) EndRoom(ctx context.Context, room domain.RoomID) error {
	_, err := a.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(string(room))+"/end", nil, nil)
	return err
}

func (a *API) endpoint(path string) *url.URL {
	u := *a.base
	u.Path += path
	return &u
}

// do sends body as JSON and decodes a 2xx reply into out. Other replies are
// mapped onto core errors where one fits.
func (a *API) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.endpoint(path).String(), r)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return resp.StatusCode, statusError(resp.StatusCode, e.Error)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func statusError(status int, code string) error {
	switch code {
	case "not_waiting":
		return core.ErrNotWaiting
	case "queue_write_conflict":
		return core.ErrQueueWriteConflict
	case "room_not_found":
		return core.ErrRoomNotFound
	case "not_participant":
		return core.ErrNotParticipant
	case "room_inactive":
		return core.ErrRoomInactive
	case "rate_limited":
		// Throttled attempts are retried like an empty window.
		return fmt.Errorf("%w: %w", ErrRateLimited, core.ErrNoCandidate)
	}
	return &StatusError{Status: status, Code: code}
}
