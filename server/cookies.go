package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	sessionCookieName     = "gw_session"
	correlationCookieName = "gw_login"

	// maxCookieChunk keeps every cookie, attributes included, under the
	// 4096 byte browser limit.
	maxCookieChunk = 3800
	maxCookieParts = 16
)

// ErrCookieTooLarge is returned when a value needs more than maxCookieParts chunks.
var ErrCookieTooLarge = errors.New("cookie value too large")

// cookieJar writes a value across one or more cookies named name, name_1, name_2...
type cookieJar struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
}

func newCookieJar(cfg Config, name string) cookieJar {
	return cookieJar{
		name:     name,
		path:     "/",
		domain:   cfg.Server.CookieDomain,
		secure:   cfg.secure(),
		sameSite: http.SameSiteLaxMode,
	}
}

func (j cookieJar) chunkName(i int) string {
	if i == 0 {
		return j.name
	}
	return j.name + "_" + strconv.Itoa(i)
}

func (j cookieJar) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     j.path,
		Domain:   j.domain,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: j.sameSite,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge.Seconds())
		c.Expires = time.Now().Add(maxAge)
	} else {
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
	}
	return c
}

// write sets value and expires chunks left over from a previous, longer value.
// Nothing is written when value does not fit in maxCookieParts chunks.
func (j cookieJar) write(w http.ResponseWriter, r *http.Request, value string, maxAge time.Duration) error {
	if parts := (len(value) + maxCookieChunk - 1) / maxCookieChunk; parts > maxCookieParts {
		return fmt.Errorf("%w: %s needs %d cookies, limit is %d", ErrCookieTooLarge, j.name, parts, maxCookieParts)
	}
	n := 0
	for len(value) > 0 {
		end := min(maxCookieChunk, len(value))
		http.SetCookie(w, j.cookie(j.chunkName(n), value[:end], maxAge))
		value = value[end:]
		n++
	}
	j.expireFrom(w, r, n)
	return nil
}

// read reassembles the chunks present on the request.
func (j cookieJar) read(r *http.Request) (string, bool) {
	first, err := r.Cookie(j.name)
	if err != nil || first.Value == "" {
		return "", false
	}
	value := first.Value
	for i := 1; i < maxCookieParts; i++ {
		c, err := r.Cookie(j.chunkName(i))
		if err != nil {
			break
		}
		value += c.Value
	}
	return value, true
}

func (j cookieJar) clear(w http.ResponseWriter, r *http.Request) {
	j.expireFrom(w, r, 0)
}

func (j cookieJar) expireFrom(w http.ResponseWriter, r *http.Request, from int) {
	for i := from; i < maxCookieParts; i++ {
		name := j.chunkName(i)
		if i == 0 || hasCookie(r, name) {
			http.SetCookie(w, j.cookie(name, "", 0))
		}
	}
}

func hasCookie(r *http.Request, name string) bool {
	if r == nil {
		return false
	}
	_, err := r.Cookie(name)
	return err == nil
}
