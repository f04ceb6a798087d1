// Package extract finds named entities and life-year context in a single
// story transcript. Extraction is a pure function of its input: the same
// transcript and year always yield the same entities in the same order,
// which anchor hashing relies on for deduplication.
package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/thebtf/storyprompt/internal/anchor"
	"github.com/thebtf/storyprompt/internal/privacy"
	"github.com/thebtf/storyprompt/pkg/models"
)

// Entity is a person, place or object mentioned in a transcript.
type Entity struct {
	// Name is the canonical mention, e.g. "Grandma Rose" or "father's watch".
	Name string
	// Display is how a prompt refers to the entity, e.g. "your father's watch".
	Display    string
	Type       models.EntityType
	Mentions   int
	FirstIndex int
}

// MemoryType returns the memory type a prompt about this entity carries.
func (e Entity) MemoryType() models.MemoryType {
	return e.Type.MemoryType()
}

// Result is the output of Extract.
type Result struct {
	Entities []Entity
	// Year is the life-year context: the story's year, or the first year
	// mentioned in the transcript, or 0 when unknown.
	Year int
}

var (
	sentenceRegex = regexp.MustCompile(`[^.!?\n]+[.!?]*`)
	wordRegex     = regexp.MustCompile(`\p{L}[\p{L}'’\-]*`)
	yearRegex     = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)

	kinRegex = regexp.MustCompile(`(?i)\b(?:my|our)\s+(grandmother|grandfather|grandma|grandpa|granny|nana|mother|father|mom|dad|mum|brother|sister|uncle|aunt|husband|wife|son|daughter|best friend)\b`)

	objectRegex = regexp.MustCompile(`(?i)\b(my|our|his|her|their)\s+(?:([a-z]+)(?:'s|’s)\s+)?(?:(?:old|first|favorite|favourite|little|new|beloved)\s+)?(car|truck|bike|bicycle|motorcycle|guitar|piano|violin|watch|ring|necklace|locket|camera|radio|quilt|typewriter|sewing machine|bible|diary|journal|letters|photographs|photos|dog|cat|horse|pony|boat|tractor|rocking chair|record player)\b`)
)

// stopWords are capitalized words that never start or continue an entity.
var stopWords = toSet(
	"i", "i'm", "i'd", "i've", "i'll", "the", "a", "an", "and", "but", "so", "then", "when", "while",
	"after", "before", "we", "he", "she", "they", "it", "my", "our", "his", "her", "their", "this",
	"that", "there", "what", "why", "how", "where", "who", "yes", "no", "oh", "well", "of", "in",
	"on", "at", "to", "for", "from", "with", "just", "also", "even", "every", "one", "later", "back",
	"once", "if", "as", "because", "since", "until", "now", "today", "god", "lord", "christmas",
	"easter", "thanksgiving", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday",
	"sunday", "january", "february", "march", "april", "may", "june", "july", "august", "september",
	"october", "november", "december", "okay", "ok", "anyway", "maybe", "sometimes", "you", "me",
)

// titles mark a run as a person regardless of position.
var titles = toSet(
	"grandma", "grandpa", "grandmother", "grandfather", "granny", "nana", "papa", "uncle", "aunt",
	"auntie", "cousin", "mom", "dad", "mother", "father", "brother", "sister", "mr", "mrs", "ms",
	"dr", "miss", "sister", "coach", "pastor", "father",
)

// placeSuffixes mark a run as a place when they end it.
var placeSuffixes = toSet(
	"street", "st", "avenue", "ave", "road", "rd", "lake", "river", "mountain", "mountains", "park",
	"city", "county", "school", "college", "university", "church", "hospital", "farm", "beach",
	"island", "bay", "valley", "hall", "camp", "creek", "station", "harbor", "harbour", "falls",
	"base", "academy", "mill", "factory", "store",
)

// placePrepositions mark the following run as a place.
var placePrepositions = toSet("in", "at", "near", "into", "outside", "across", "around")

// motionVerbs turn "to"/"from" into place markers ("moved to Ohio").
var motionVerbs = toSet(
	"moved", "move", "moving", "went", "go", "going", "drove", "flew", "came", "come", "returned",
	"back", "travelled", "traveled", "trip", "sailed", "emigrated", "immigrated", "visit", "visited",
)

var connectors = toSet("of", "de", "la", "van", "von", "del", "da")

type token struct {
	text  string
	start int
}

type run struct {
	parts           []string
	start           int
	prev, prevPrev  string
	sentenceInitial bool
}

// Extract scans a transcript for entities and year context.
func Extract(transcript string, storyYear int) Result {
	text := privacy.Clean(transcript)
	res := Result{Year: storyYear}
	if res.Year <= 0 {
		res.Year = firstYear(text)
	}
	if text == "" {
		return res
	}

	runs, confirmed := capitalizedRuns(text)

	acc := newAccumulator()
	for _, r := range runs {
		if r.sentenceInitial && len(r.parts) == 1 && !titles[strings.ToLower(r.parts[0])] && !confirmed[r.parts[0]] {
			continue
		}
		name := strings.Join(r.parts, " ")
		acc.add(name, name, classify(r), r.start)
	}

	for _, m := range kinRegex.FindAllStringSubmatchIndex(text, -1) {
		// "my grandma Rose": the capitalized run already covers it.
		if next := nextWord(text, m[1]); next != "" && isCapitalized(next) {
			continue
		}
		kin := strings.ToLower(text[m[2]:m[3]])
		acc.add(kin, "your "+kin, models.EntityPerson, m[0])
	}

	for _, m := range objectRegex.FindAllStringSubmatchIndex(text, -1) {
		det := strings.ToLower(text[m[2]:m[3]])
		object := strings.ToLower(text[m[6]:m[7]])
		name := object
		if m[4] >= 0 {
			name = strings.ToLower(text[m[4]:m[5]]) + "'s " + object
		}
		display := "the " + name
		if det == "my" || det == "our" {
			display = "your " + name
		}
		acc.add(name, display, models.EntityObject, m[0])
	}

	res.Entities = acc.entities()
	return res
}

// capitalizedRuns collects runs of capitalized words per sentence, and the
// set of words seen capitalized away from a sentence start.
func capitalizedRuns(text string) ([]run, map[string]bool) {
	var runs []run
	confirmed := make(map[string]bool)

	for _, span := range sentenceRegex.FindAllStringIndex(text, -1) {
		sentence := text[span[0]:span[1]]
		var toks []token
		for _, w := range wordRegex.FindAllStringIndex(sentence, -1) {
			toks = append(toks, token{text: sentence[w[0]:w[1]], start: span[0] + w[0]})
		}

		for i := 0; i < len(toks); {
			if !isNameWord(toks[i].text) {
				i++
				continue
			}
			r := run{start: toks[i].start, sentenceInitial: i == 0}
			if i > 0 {
				r.prev = strings.ToLower(toks[i-1].text)
			}
			if i > 1 {
				r.prevPrev = strings.ToLower(toks[i-2].text)
			}

			j := i
			for j < len(toks) {
				tok := toks[j].text
				if isNameWord(tok) {
					r.parts = append(r.parts, trimPossessive(tok))
					j++
					if trimPossessive(tok) != tok {
						break
					}
					continue
				}
				if connectors[strings.ToLower(tok)] && j+1 < len(toks) && isNameWord(toks[j+1].text) {
					r.parts = append(r.parts, strings.ToLower(tok))
					j++
					continue
				}
				break
			}
			if !r.sentenceInitial {
				for _, p := range r.parts {
					confirmed[p] = true
				}
			}
			runs = append(runs, r)
			i = j
		}
	}
	return runs, confirmed
}

func classify(r run) models.EntityType {
	first := strings.ToLower(r.parts[0])
	last := strings.ToLower(r.parts[len(r.parts)-1])
	switch {
	case titles[first]:
		return models.EntityPerson
	case placeSuffixes[last]:
		return models.EntityPlace
	case placePrepositions[r.prev]:
		return models.EntityPlace
	case (r.prev == "to" || r.prev == "from") && motionVerbs[r.prevPrev]:
		return models.EntityPlace
	}
	return models.EntityPerson
}

// accumulator merges mentions by normalized name, keeping first-seen display.
type accumulator struct {
	byKey map[string]*Entity
	order []string
}

func newAccumulator() *accumulator {
	return &accumulator{byKey: make(map[string]*Entity)}
}

func (a *accumulator) add(name, display string, typ models.EntityType, offset int) {
	key := anchor.Normalize(name)
	if key == "" {
		return
	}
	if e, ok := a.byKey[key]; ok {
		e.Mentions++
		if offset < e.FirstIndex {
			e.FirstIndex = offset
		}
		return
	}
	a.byKey[key] = &Entity{Name: name, Display: display, Type: typ, Mentions: 1, FirstIndex: offset}
	a.order = append(a.order, key)
}

// entities folds partial person mentions ("Rose", "grandma") into the single
// fuller name that contains them ("Grandma Rose") and orders the result by
// mentions, then first appearance.
func (a *accumulator) entities() []Entity {
	merged := make(map[string]bool)
	for _, short := range a.order {
		e := a.byKey[short]
		if e.Type != models.EntityPerson {
			continue
		}
		var target string
		matches := 0
		for _, long := range a.order {
			if long == short || a.byKey[long].Type != models.EntityPerson || merged[long] {
				continue
			}
			if containsWords(long, short) {
				target = long
				matches++
			}
		}
		if matches != 1 {
			continue
		}
		t := a.byKey[target]
		t.Mentions += e.Mentions
		if e.FirstIndex < t.FirstIndex {
			t.FirstIndex = e.FirstIndex
		}
		merged[short] = true
	}

	out := make([]Entity, 0, len(a.order))
	for _, key := range a.order {
		if !merged[key] {
			out = append(out, *a.byKey[key])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Mentions != out[j].Mentions {
			return out[i].Mentions > out[j].Mentions
		}
		return out[i].FirstIndex < out[j].FirstIndex
	})
	return out
}

// containsWords reports whether every word of short appears in long and long is longer.
func containsWords(long, short string) bool {
	lw := strings.Fields(long)
	sw := strings.Fields(short)
	if len(sw) >= len(lw) {
		return false
	}
	set := toSet(lw...)
	for _, w := range sw {
		if !set[w] {
			return false
		}
	}
	return true
}

func isNameWord(w string) bool {
	return isCapitalized(w) && !stopWords[strings.ToLower(trimPossessive(w))]
}

func isCapitalized(w string) bool {
	r, _ := utf8.DecodeRuneInString(w)
	return unicode.IsUpper(r)
}

func trimPossessive(w string) string {
	for _, suffix := range []string{"'s", "’s"} {
		if trimmed, ok := strings.CutSuffix(w, suffix); ok {
			return trimmed
		}
	}
	return w
}

func nextWord(text string, offset int) string {
	loc := wordRegex.FindStringIndex(text[offset:])
	if loc == nil || strings.TrimSpace(text[offset:offset+loc[0]]) != "" {
		return ""
	}
	return text[offset+loc[0] : offset+loc[1]]
}

func firstYear(text string) int {
	m := yearRegex.FindString(text)
	if m == "" {
		return 0
	}
	y, _ := strconv.Atoi(m)
	return y
}

func toSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
