package robots

import (
	"bufio"
	"strconv"
	"strings"
	"time"
)

// requestRateDelay finds the Request-rate directive of the group that applies
// to userAgent and converts it to a per-request delay (period / requests).
func requestRateDelay(body, userAgent string) (time.Duration, bool) {
	ua := strings.ToLower(userAgent)
	var (
		agents        []string
		inRules       bool
		bestMatch     = -1
		bestDelay     time.Duration
		wildcardDelay time.Duration
		haveWildcard  bool
	)
	apply := func(d time.Duration) {
		for _, agent := range agents {
			switch {
			case agent == "*":
				if !haveWildcard || d > wildcardDelay {
					wildcardDelay, haveWildcard = d, true
				}
			case ua != "" && strings.HasPrefix(ua, agent):
				if len(agent) > bestMatch || (len(agent) == bestMatch && d > bestDelay) {
					bestMatch, bestDelay = len(agent), d
				}
			}
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "user-agent":
			if inRules {
				agents = agents[:0]
				inRules = false
			}
			agents = append(agents, strings.ToLower(value))
		case "request-rate":
			inRules = true
			if d, ok := parseRequestRate(value); ok {
				apply(d)
			}
		default:
			inRules = true
		}
	}
	if bestMatch >= 0 {
		return bestDelay, true
	}
	return wildcardDelay, haveWildcard
}

// parseRequestRate parses "requests/period" where period is a number of
// seconds with an optional s, m or h suffix, e.g. "1/5", "1/10s", "30/1m".
// Trailing visit-time windows are ignored.
func parseRequestRate(value string) (time.Duration, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, false
	}
	reqPart, periodPart, ok := strings.Cut(fields[0], "/")
	if !ok {
		return 0, false
	}
	requests, err := strconv.ParseFloat(reqPart, 64)
	if err != nil || requests <= 0 {
		return 0, false
	}
	unit := time.Second
	switch {
	case strings.HasSuffix(periodPart, "h"):
		unit = time.Hour
		periodPart = strings.TrimSuffix(periodPart, "h")
	case strings.HasSuffix(periodPart, "m"):
		unit = time.Minute
		periodPart = strings.TrimSuffix(periodPart, "m")
	case strings.HasSuffix(periodPart, "s"):
		periodPart = strings.TrimSuffix(periodPart, "s")
	}
	period, err := strconv.ParseFloat(periodPart, 64)
	if err != nil || period <= 0 {
		return 0, false
	}
	return time.Duration(period / requests * float64(unit)), true
}
