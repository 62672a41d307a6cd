package llmqueue

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// segment is one classified run of streamed text.
type segment struct {
	text        string
	thinking    bool
	thinkingEnd bool
}

// thinkParser splits a token stream into response text and thinking text.
// The think tags may arrive split across token boundaries, so the parser
// holds back any suffix that could be the start of a tag until the next
// token resolves it.
type thinkParser struct {
	inThink bool
	held    string
}

// Feed consumes one token and returns the segments it completes. Tag text
// itself is never emitted.
func (p *thinkParser) Feed(token string) []segment {
	buf := p.held + token
	p.held = ""

	var segs []segment
	for buf != "" {
		tag := thinkOpen
		if p.inThink {
			tag = thinkClose
		}

		idx := strings.Index(buf, tag)
		if idx >= 0 {
			if idx > 0 {
				segs = appendText(segs, buf[:idx], p.inThink)
			}
			if p.inThink {
				segs = append(segs, segment{thinkingEnd: true})
			}
			p.inThink = !p.inThink
			buf = buf[idx+len(tag):]
			continue
		}

		hold := partialTagSuffix(buf, tag)
		emit := buf[:len(buf)-len(hold)]
		if emit != "" {
			segs = appendText(segs, emit, p.inThink)
		}
		p.held = hold
		break
	}
	return segs
}

// Flush returns whatever text is still held back at stream end. A dangling
// partial tag is emitted as literal text.
func (p *thinkParser) Flush() []segment {
	if p.held == "" {
		return nil
	}
	seg := segment{text: p.held, thinking: p.inThink}
	p.held = ""
	return []segment{seg}
}

func appendText(segs []segment, text string, thinking bool) []segment {
	if n := len(segs); n > 0 && !segs[n-1].thinkingEnd && segs[n-1].thinking == thinking {
		segs[n-1].text += text
		return segs
	}
	return append(segs, segment{text: text, thinking: thinking})
}

// partialTagSuffix returns the longest suffix of buf that is a proper
// prefix of tag.
func partialTagSuffix(buf, tag string) string {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, buf[len(buf)-n:]) {
			return buf[len(buf)-n:]
		}
	}
	return ""
}
