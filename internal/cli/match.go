package cli

import (
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/tutorchat/internal/directory"
)

// Minimum Jaro-Winkler similarity for a fuzzy hit.
const (
	commandThreshold = 0.85
	titleThreshold   = 0.80
)

var slashCommands = []string{
	"voice", "play", "stop", "new", "sessions", "switch", "upload", "history", "help", "quit",
}

// resolveCommand maps a possibly misspelled or abbreviated slash command
// to its canonical name.
func resolveCommand(name string) (string, bool) {
	name = strings.ToLower(name)
	if name == "exit" || name == "q" {
		return "quit", true
	}

	var prefixed []string
	for _, c := range slashCommands {
		if c == name {
			return c, true
		}
		if strings.HasPrefix(c, name) {
			prefixed = append(prefixed, c)
		}
	}
	if len(prefixed) == 1 {
		return prefixed[0], true
	}

	best, score := "", 0.0
	for _, c := range slashCommands {
		if s := matchr.JaroWinkler(name, c, false); s > score {
			best, score = c, s
		}
	}
	return best, score >= commandThreshold
}

// matchSession finds a session by 1-based list position, exact id or fuzzy
// title.
func matchSession(sessions []directory.Session, arg string) (directory.Session, bool) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return directory.Session{}, false
	}
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(sessions) {
		return sessions[n-1], true
	}
	for _, s := range sessions {
		if s.ID == arg {
			return s, true
		}
	}

	needle := strings.ToLower(arg)
	var best directory.Session
	score := 0.0
	for _, s := range sessions {
		title := strings.ToLower(s.Title)
		if title == needle {
			return s, true
		}
		if sc := matchr.JaroWinkler(needle, title, false); sc > score {
			best, score = s, sc
		}
	}
	return best, score >= titleThreshold
}
