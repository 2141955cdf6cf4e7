package servers

import (
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"time"
)

var (
	// ErrDirectoryUnavailable marks a master list that could not be fetched or read.
	ErrDirectoryUnavailable = errors.New("directory unavailable")
	// ErrServerUnreachable marks a status query that failed at transport level or returned non-200.
	ErrServerUnreachable = errors.New("server unreachable")
	// ErrMalformedPayload marks a 200 response whose body could not be used.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Status is the outcome of the most recent query for a server.
type Status string

const (
	StatusNotYetLoaded Status = "not_loaded" // never queried
	StatusLoaded       Status = "loaded"     // last query returned a usable payload
	StatusFailed       Status = "failed"     // last query failed
)

// gameStates maps the numeric gstate code reported by a server to its label.
// Codes missing here render blank.
var gameStates = map[int]string{
	2:  "Creating",
	6:  "Waiting",
	9:  "Debriefing",
	12: "Setting Up",
	13: "Briefing",
	14: "Playing",
}

// GameStateLabel returns the human label for a gstate code, or "" when unknown.
func GameStateLabel(code int) string {
	return gameStates[code]
}

// Address is a server's host and port, parsed once from the master list.
type Address struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// ParseAddress splits "host:port" into an Address.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("parse address %q: invalid port %q", s, portStr)
	}
	return Address{IP: host, Port: port}, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// Player is one entry of a status payload's player list.
type Player struct {
	Name   string `json:"player"`
	Team   string `json:"team"`
	Score  string `json:"score"`
	Deaths string `json:"deaths"`
}

// Payload is the JSON document the status API returns for a server.
// Numeric fields arrive string-encoded.
type Payload struct {
	GameName   string   `json:"gamename"`
	GameVer    string   `json:"gamever"`
	GroupID    string   `json:"groupid"`
	Hostname   string   `json:"hostname"`
	HostPort   string   `json:"hostport"`
	MapName    string   `json:"mapname"`
	GameType   string   `json:"gametype"`
	NumPlayers string   `json:"numplayers"`
	MaxPlayers string   `json:"maxplayers"`
	GameMode   string   `json:"gamemode"`
	TimeLeft   string   `json:"timeleft"`
	ActVer     string   `json:"actver"`
	ReqVer     string   `json:"reqver"`
	Mod        string   `json:"mod"`
	Password   string   `json:"password"`
	GState     string   `json:"gstate"`
	Impl       string   `json:"impl"`
	Platform   string   `json:"platform"`
	Players    []Player `json:"players"`
	RepliedIn  float64  `json:"replied_in"`
}

// Record holds the identity and last known status of one server.
// A record with Status Failed has a nil Payload; a Loaded record always has one.
type Record struct {
	Address      Address   `json:"address"`
	Status       Status    `json:"status"`
	Payload      *Payload  `json:"payload,omitempty"`
	Loaded       bool      `json:"loaded"`
	NumPlayers   int       `json:"num_players"`
	Err          error     `json:"-"`
	Polls        int       `json:"polls"`
	LastAttempt  time.Time `json:"last_attempt"`
	LastGoodPoll time.Time `json:"last_good_poll"`
}

// NewRecord returns a record for addr that has not been queried yet.
func NewRecord(addr Address) Record {
	return Record{Address: addr, Status: StatusNotYetLoaded}
}

// Responding reports whether the last query produced a usable payload.
func (r Record) Responding() bool {
	return r.Status == StatusLoaded && r.Payload != nil
}

// HumanStatus is the game state label of a responding server, or "Error" otherwise.
func (r Record) HumanStatus() string {
	if !r.Responding() {
		return "Error"
	}
	code, err := strconv.Atoi(r.Payload.GState)
	if err != nil {
		return ""
	}
	return GameStateLabel(code)
}

// PlayerNames returns the sorted names of players on a responding server.
func (r Record) PlayerNames() []string {
	if !r.Responding() {
		return []string{}
	}
	names := make([]string, 0, len(r.Payload.Players))
	for _, p := range r.Payload.Players {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// PingMillis is the status API's reply latency rounded to milliseconds.
func (r Record) PingMillis() int {
	if !r.Responding() {
		return 0
	}
	return int(math.Round(r.Payload.RepliedIn * 1000))
}
