package pion

import (
	"errors"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

const (
	attrICEUfrag = "ice-ufrag"
	attrICEPwd   = "ice-pwd"

	// attrTiebreaker carries a controlling agent's tie-breaker so two agents
	// that both went controlling settle on one. Other implementations ignore
	// it.
	attrTiebreaker = "x-ice-tiebreaker"
)

var errMissingCredentials = errors.New("description has no ice-ufrag or ice-pwd")

// description is the ICE subset of an SDP description that agents exchange.
type description struct {
	Ufrag           string
	Pwd             string
	Candidates      []string // attribute values, without the "candidate:" key
	EndOfCandidates bool
	Tiebreaker      uint64 // set only by controlling agents
}

func (d description) String() string {
	var b strings.Builder
	writeAttr := func(a sdp.Attribute) {
		b.WriteString("a=")
		b.WriteString(a.String())
		b.WriteString("\r\n")
	}
	writeAttr(sdp.NewAttribute(attrICEUfrag, d.Ufrag))
	writeAttr(sdp.NewAttribute(attrICEPwd, d.Pwd))
	writeAttr(sdp.NewAttribute(sdp.AttrKeyICEOptions, "trickle"))
	if d.Tiebreaker != 0 {
		writeAttr(sdp.NewAttribute(attrTiebreaker, strconv.FormatUint(d.Tiebreaker, 10)))
	}
	for _, c := range d.Candidates {
		writeAttr(sdp.NewAttribute(sdp.AttrKeyCandidate, c))
	}
	if d.EndOfCandidates {
		writeAttr(sdp.NewPropertyAttribute(sdp.AttrKeyEndOfCandidates))
	}
	return b.String()
}

// parseAttribute reads one "a=key:value" line. The "a=" prefix is optional
// so bare candidate strings are accepted too.
func parseAttribute(line string) (sdp.Attribute, bool) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "a=") {
		line = line[2:]
	} else if len(line) > 1 && line[1] == '=' {
		// another SDP line type (v=, o=, m=, c=...)
		return sdp.Attribute{}, false
	}
	if line == "" {
		return sdp.Attribute{}, false
	}
	key, value, _ := strings.Cut(line, ":")
	return sdp.NewAttribute(key, value), true
}

// parseDescription extracts the ICE attributes from an SDP description.
// Unrelated lines are ignored.
func parseDescription(s string) (description, error) {
	var d description
	for _, line := range strings.Split(s, "\n") {
		attr, ok := parseAttribute(line)
		if !ok {
			continue
		}
		switch {
		case attr.Key == attrICEUfrag:
			d.Ufrag = attr.Value
		case attr.Key == attrICEPwd:
			d.Pwd = attr.Value
		case attr.IsICECandidate():
			d.Candidates = append(d.Candidates, attr.Value)
		case attr.Key == sdp.AttrKeyEndOfCandidates:
			d.EndOfCandidates = true
		case attr.Key == attrTiebreaker:
			// malformed values read as absent
			d.Tiebreaker, _ = strconv.ParseUint(attr.Value, 10, 64)
		}
	}
	if d.Ufrag == "" || d.Pwd == "" {
		return description{}, errMissingCredentials
	}
	return d, nil
}

// candidateLine formats a candidate the way candidate callbacks and
// selected-candidate queries report it.
func candidateLine(value string) string {
	return "a=" + sdp.NewAttribute(sdp.AttrKeyCandidate, value).String()
}
