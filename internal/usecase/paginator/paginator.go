// Package paginator splits a growing text buffer into display-sized pages.
//
// Page breaks only ever fall on line boundaries. A line that alone exceeds
// the page budget gets a page of its own and is never truncated, unless
// wrapping is enabled, in which case it is broken at whitespace first.
package paginator

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"robo/internal/domain"
)

// DefaultMaxSize is the default page budget in characters. It leaves room
// under a 2000 character message limit for a code fence and a status line.
const DefaultMaxSize = 1975

// Page is one segment of the buffer.
type Page struct {
	Index int
	Lines []string
	// Size is the number of characters the page body occupies, counting one
	// separator per line.
	Size int
}

// Body joins the page's lines.
func (p Page) Body() string { return strings.Join(p.Lines, "\n") }

// Render wraps the body in prefix and suffix, each on its own line.
func (p Page) Render(prefix, suffix string) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte('\n')
	}
	b.WriteString(p.Body())
	if suffix != "" {
		b.WriteByte('\n')
		b.WriteString(suffix)
	}
	return b.String()
}

// Option configures a Paginator.
type Option func(*Paginator)

// WithMaxSize sets the page budget in characters. Values below 1 are ignored.
func WithMaxSize(n int) Option {
	return func(p *Paginator) {
		if n > 0 {
			p.maxSize = n
		}
	}
}

// WithPrefix sets text placed before every page body; it counts against the budget.
func WithPrefix(s string) Option { return func(p *Paginator) { p.prefix = s } }

// WithSuffix sets text placed after every page body; it counts against the budget.
func WithSuffix(s string) Option { return func(p *Paginator) { p.suffix = s } }

// WithWrap enables breaking oversized lines at whitespace into budget-sized lines.
func WithWrap(on bool) Option { return func(p *Paginator) { p.wrap = on } }

// WithSplitOversized cuts a line longer than a whole page into page-sized
// pieces, each on its own page, instead of letting the page exceed the
// budget. It has no effect when wrapping is on.
func WithSplitOversized(on bool) Option { return func(p *Paginator) { p.split = on } }

// WithFollow keeps the selection on the newest page while the reader is
// already looking at the last one. Enabled by default.
func WithFollow(on bool) Option { return func(p *Paginator) { p.follow = on } }

// Paginator is safe for concurrent use: a producer may append while
// navigation reads and moves the selection.
type Paginator struct {
	mu sync.RWMutex

	maxSize int
	prefix  string
	suffix  string
	wrap    bool
	split   bool
	follow  bool

	pages   []Page   // sealed pages
	open    []string // lines of the page being filled
	openLen int
	partial strings.Builder
	index   int
	version uint64
	closed  bool
}

// New creates an empty Paginator.
func New(opts ...Option) *Paginator {
	p := &Paginator{maxSize: DefaultMaxSize, follow: true}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Prefix returns the configured prefix.
func (p *Paginator) Prefix() string { return p.prefix }

// Suffix returns the configured suffix.
func (p *Paginator) Suffix() string { return p.suffix }

// capacity is the budget left for lines once prefix and suffix are placed.
func (p *Paginator) capacity() int {
	c := p.maxSize
	if p.prefix != "" {
		c -= utf8.RuneCountInString(p.prefix) + 1
	}
	if p.suffix != "" {
		c -= utf8.RuneCountInString(p.suffix) + 1
	}
	return max(c, 1)
}

// Append adds text to the buffer. Text is split on newlines; a trailing
// fragment without a newline is held and completed by the next Append.
func (p *Paginator) Append(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || text == "" {
		return
	}

	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			p.partial.WriteString(text)
			return
		}
		p.partial.WriteString(text[:i])
		line := strings.TrimSuffix(p.partial.String(), "\r")
		p.partial.Reset()
		p.addLocked(line)
		text = text[i+1:]
	}
}

// AddLine adds one complete line. Embedded newlines are split into
// separate lines.
func (p *Paginator) AddLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.flushPartialLocked()
	for _, l := range strings.Split(line, "\n") {
		p.addLocked(strings.TrimSuffix(l, "\r"))
	}
}

func (p *Paginator) flushPartialLocked() {
	if p.partial.Len() == 0 {
		return
	}
	line := p.partial.String()
	p.partial.Reset()
	p.addLocked(line)
}

func (p *Paginator) addLocked(line string) {
	wasLast := p.index == p.pageCountLocked()-1

	capacity := p.capacity()
	oversized := utf8.RuneCountInString(line)+1 > capacity
	switch {
	case oversized && p.wrap:
		for _, part := range wrapLine(line, capacity-1) {
			p.placeLocked(part, capacity)
		}
	case oversized && p.split:
		for _, part := range splitRunes(line, capacity-1) {
			p.placeLocked(part, capacity)
		}
	default:
		p.placeLocked(line, capacity)
	}
	p.version++

	if p.follow && wasLast {
		p.index = p.pageCountLocked() - 1
	}
}

func (p *Paginator) placeLocked(line string, capacity int) {
	cost := utf8.RuneCountInString(line) + 1

	if cost > capacity {
		// Oversized: seal what is open, then give the line its own page.
		p.sealLocked()
		p.open = append(p.open, line)
		p.openLen = cost
		p.sealLocked()
		return
	}
	if p.openLen+cost > capacity {
		p.sealLocked()
	}
	p.open = append(p.open, line)
	p.openLen += cost
}

func (p *Paginator) sealLocked() {
	if len(p.open) == 0 {
		return
	}
	p.pages = append(p.pages, Page{Index: len(p.pages), Lines: p.open, Size: p.openLen})
	p.open = nil
	p.openLen = 0
}

func (p *Paginator) pageCountLocked() int {
	if len(p.open) > 0 || len(p.pages) == 0 {
		return len(p.pages) + 1
	}
	return len(p.pages)
}

// PageCount returns the number of pages. It never decreases and is at
// least 1, an empty buffer having one empty page.
func (p *Paginator) PageCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pageCountLocked()
}

// Page returns page i, or ErrPageRange outside [0, PageCount).
func (p *Paginator) Page(i int) (Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i < 0 || i >= p.pageCountLocked() {
		return Page{}, domain.NewSubSystemError("paginator", "Paginator.Page", domain.ErrPageRange,
			fmt.Sprintf("page %d of %d", i, p.pageCountLocked()))
	}
	return p.pageLocked(i), nil
}

func (p *Paginator) pageLocked(i int) Page {
	if i < len(p.pages) {
		pg := p.pages[i]
		pg.Lines = append([]string(nil), pg.Lines...)
		return pg
	}
	return Page{Index: i, Lines: append([]string(nil), p.open...), Size: p.openLen}
}

// Current returns the selected page.
func (p *Paginator) Current() Page {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pageLocked(p.index)
}

// CurrentIndex returns the selected page index.
func (p *Paginator) CurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index
}

// Goto selects page i, clamped into range, and returns the selected index.
func (p *Paginator) Goto(i int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index = min(max(i, 0), p.pageCountLocked()-1)
	return p.index
}

// Version increases on every content change.
func (p *Paginator) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Close flushes a pending partial line and rejects further content.
func (p *Paginator) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.flushPartialLocked()
	p.closed = true
}

// Closed reports whether Close was called.
func (p *Paginator) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// splitRunes cuts s into pieces of at most width runes.
func splitRunes(s string, width int) []string {
	width = max(width, 1)
	runes := []rune(s)
	out := make([]string, 0, len(runes)/width+1)
	for len(runes) > width {
		out = append(out, string(runes[:width]))
		runes = runes[width:]
	}
	return append(out, string(runes))
}

// wrapLine breaks s into pieces of at most width runes, preferring the last
// whitespace inside the window.
func wrapLine(s string, width int) []string {
	width = max(width, 1)
	runes := []rune(s)
	var out []string
	for len(runes) > width {
		cut := width
		for j := width; j > 0; j-- {
			if unicode.IsSpace(runes[j]) {
				cut = j
				break
			}
		}
		out = append(out, strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace))
		runes = runes[cut:]
		for len(runes) > 0 && unicode.IsSpace(runes[0]) {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 || len(out) == 0 {
		out = append(out, string(runes))
	}
	return out
}
