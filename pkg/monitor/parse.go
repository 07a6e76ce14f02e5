package monitor

import (
	"strconv"
	"strings"
	"time"
)

// Event is one command observed by MONITOR.
type Event struct {
	Time    time.Time `json:"time"`
	DB      int       `json:"db"`
	Client  string    `json:"client"`
	Command string    `json:"command"`
	Args    []string  `json:"args"`
}

// ParseLine parses a MONITOR line of the form
//
//	1339518083.107412 [0 127.0.0.1:60866] "set" "key" "value"
//
// It reports false for anything else, including the initial "OK".
func ParseLine(line string) (Event, bool) {
	ts, rest, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return Event{}, false
	}
	at, ok := parseTimestamp(ts)
	if !ok {
		return Event{}, false
	}

	if !strings.HasPrefix(rest, "[") {
		return Event{}, false
	}
	origin, rest, ok := strings.Cut(rest[1:], "] ")
	if !ok {
		return Event{}, false
	}
	dbText, client, _ := strings.Cut(origin, " ")
	db, err := strconv.Atoi(dbText)
	if err != nil {
		return Event{}, false
	}

	words, ok := splitQuoted(rest)
	if !ok || len(words) == 0 {
		return Event{}, false
	}

	return Event{
		Time:    at,
		DB:      db,
		Client:  client,
		Command: strings.ToLower(words[0]),
		Args:    words[1:],
	}, true
}

// parseTimestamp parses "seconds.micros" without going through a float.
func parseTimestamp(ts string) (time.Time, bool) {
	secText, fracText, _ := strings.Cut(ts, ".")
	secs, err := strconv.ParseInt(secText, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	var nanos int64
	if fracText != "" {
		if len(fracText) > 9 {
			fracText = fracText[:9]
		}
		n, err := strconv.ParseInt(fracText+strings.Repeat("0", 9-len(fracText)), 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		nanos = n
	}
	return time.Unix(secs, nanos).UTC(), true
}

// splitQuoted splits a run of double-quoted, backslash-escaped words.
func splitQuoted(s string) ([]string, bool) {
	var words []string
	for i := 0; i < len(s); {
		if s[i] == ' ' {
			i++
			continue
		}
		if s[i] != '"' {
			return nil, false
		}
		j := i + 1
		for j < len(s) && s[j] != '"' {
			if s[j] == '\\' {
				j++
			}
			j++
		}
		if j >= len(s) {
			return nil, false
		}
		word, err := strconv.Unquote(s[i : j+1])
		if err != nil {
			word = s[i+1 : j]
		}
		words = append(words, word)
		i = j + 1
	}
	return words, true
}
