// Package keywords turns free-form incident text into a weighted keyword list.
package keywords

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Type classifies where a keyword came from.
type Type string

const (
	TypeError     Type = "error"
	TypeTechnical Type = "technical"
	TypeNoun      Type = "noun"
)

// Keyword is a single weighted term extracted from incident text.
type Keyword struct {
	Word   string  `json:"word"`
	Weight float64 `json:"weight"`
	Type   Type    `json:"type"`
}

// DefaultMax is the keyword budget used when callers pass a non-positive max.
const DefaultMax = 10

type patternPass struct {
	re     *regexp.Regexp
	weight float64
	typ    Type
}

// Pattern passes run in order against the lowercased text. A term matched by
// an earlier pass keeps that pass's weight.
var patternPasses = []patternPass{
	{regexp.MustCompile(`\b[1-5][0-9]{2}\b`), 3.0, TypeError},
	{regexp.MustCompile(`\b(?:errors?|exceptions?|failures?|failed|fails?|crash(?:ed|es)?|fatal|panic|denied|refused|unavailable|broken|outage)\b`), 2.5, TypeError},
	{regexp.MustCompile(`\b(?:timeouts?|timed out|time-out|hung|hangs?|unresponsive|latency)\b`), 2.0, TypeTechnical},
	{regexp.MustCompile(`\b(?:ssl|tls|certificates?|certs?|auth|authentication|authorization|unauthorized|forbidden|oauth|sso|saml|ldap|tokens?|expired|credentials?|password)\b`), 2.0, TypeTechnical},
}

var technicalTerms = map[string]bool{
	"api": true, "http": true, "https": true, "dns": true, "database": true,
	"db": true, "sql": true, "server": true, "network": true, "deployment": true,
	"deploy": true, "patch": true, "upgrade": true, "config": true,
	"configuration": true, "cache": true, "proxy": true, "gateway": true,
	"kubernetes": true, "k8s": true, "docker": true, "container": true,
	"pod": true, "memory": true, "cpu": true, "disk": true, "vpn": true,
	"firewall": true, "loadbalancer": true, "balancer": true, "cluster": true,
	"query": true, "endpoint": true, "webhook": true, "queue": true,
	"redis": true, "postgres": true, "mysql": true, "oracle": true,
	"nginx": true, "apache": true, "iis": true, "smtp": true, "ftp": true,
	"ssh": true, "rollback": true, "release": true, "build": true,
	"pipeline": true, "replication": true, "backup": true, "storage": true,
	"service": true, "microservice": true, "latency": true, "jvm": true,
	"heap": true, "thread": true, "socket": true, "port": true,
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "been": true, "but": true, "by": true, "can": true,
	"cannot": true, "could": true, "did": true, "do": true, "does": true,
	"for": true, "from": true, "had": true, "has": true, "have": true,
	"he": true, "her": true, "his": true, "how": true, "i": true, "if": true,
	"in": true, "into": true, "is": true, "it": true, "its": true, "me": true,
	"my": true, "no": true, "not": true, "of": true, "on": true, "or": true,
	"our": true, "she": true, "so": true, "some": true, "than": true,
	"that": true, "the": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "they": true, "this": true, "to": true,
	"too": true, "up": true, "us": true, "very": true, "was": true, "we": true,
	"were": true, "what": true, "when": true, "where": true, "which": true,
	"while": true, "who": true, "why": true, "will": true, "with": true,
	"would": true, "you": true, "your": true, "any": true, "all": true,
	"get": true, "got": true, "getting": true, "also": true, "just": true,
	"please": true, "since": true, "still": true, "being": true,
}

// Extract returns at most max keywords ordered by descending weight.
// Empty or whitespace-only text yields an empty list.
func Extract(text string, max int) []Keyword {
	if strings.TrimSpace(text) == "" {
		return []Keyword{}
	}
	if max <= 0 {
		max = DefaultMax
	}

	lower := strings.ToLower(text)
	found := make(map[string]Keyword)

	for _, p := range patternPasses {
		for _, m := range p.re.FindAllString(lower, -1) {
			if _, ok := found[m]; ok {
				continue
			}
			found[m] = Keyword{Word: m, Weight: p.weight, Type: p.typ}
		}
	}

	acronyms := uppercaseTokens(text)

	freq := make(map[string]int)
	var order []string
	for _, tok := range tokenize(lower) {
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		if _, ok := found[tok]; ok {
			continue
		}
		if freq[tok] == 0 {
			order = append(order, tok)
		}
		freq[tok]++
	}

	for _, tok := range order {
		w := float64(freq[tok])
		typ := TypeNoun
		if technicalTerms[tok] {
			w *= 2
			typ = TypeTechnical
		}
		if len(tok) > 6 {
			w *= 1.5
		}
		if acronyms[tok] {
			w *= 1.3
		}
		found[tok] = Keyword{Word: tok, Weight: w, Type: typ}
	}

	out := make([]Keyword, 0, len(found))
	for _, kw := range found {
		out = append(out, kw)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Word < out[j].Word
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// GenerateSearchQuery joins the top five keywords with single spaces.
func GenerateSearchQuery(kws []Keyword) string {
	n := len(kws)
	if n > 5 {
		n = 5
	}
	words := make([]string, 0, n)
	for _, kw := range kws[:n] {
		words = append(words, kw.Word)
	}
	return strings.Join(words, " ")
}

// Words returns the keyword strings in order.
func Words(kws []Keyword) []string {
	out := make([]string, len(kws))
	for i, kw := range kws {
		out[i] = kw.Word
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// uppercaseTokens collects lowercased forms of tokens written fully in
// uppercase in the source, e.g. "SSL" or "VPN".
func uppercaseTokens(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range tokenize(text) {
		if len(tok) < 2 || tok != strings.ToUpper(tok) {
			continue
		}
		hasLetter := false
		for _, r := range tok {
			if unicode.IsLetter(r) {
				hasLetter = true
				break
			}
		}
		if hasLetter {
			out[strings.ToLower(tok)] = true
		}
	}
	return out
}

// CountTerms counts error terms (status codes and failure words) and
// technical terms (lexicon hits, timeout and auth terms) in text.
func CountTerms(text string) (technical, errs int) {
	lower := strings.ToLower(text)
	for _, p := range patternPasses {
		n := len(p.re.FindAllStringIndex(lower, -1))
		if p.typ == TypeError {
			errs += n
		} else {
			technical += n
		}
	}
	for _, tok := range tokenize(lower) {
		if technicalTerms[tok] {
			technical++
		}
	}
	return technical, errs
}
