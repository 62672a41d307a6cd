package llmqueue

import (
	"reflect"
	"testing"
)

func feedAll(p *thinkParser, tokens ...string) []segment {
	var segs []segment
	for _, tok := range tokens {
		segs = append(segs, p.Feed(tok)...)
	}
	segs = append(segs, p.Flush()...)
	return segs
}

func TestThinkParserPlainText(t *testing.T) {
	p := &thinkParser{}
	segs := feedAll(p, "hello ", "world")

	want := []segment{{text: "hello "}, {text: "world"}}
	if !reflect.DeepEqual(segs, want) {
		t.Errorf("segments = %+v, want %+v", segs, want)
	}
}

func TestThinkParserSingleToken(t *testing.T) {
	p := &thinkParser{}
	segs := feedAll(p, "a<think>b</think>c")

	want := []segment{
		{text: "a"},
		{text: "b", thinking: true},
		{thinkingEnd: true},
		{text: "c"},
	}
	if !reflect.DeepEqual(segs, want) {
		t.Errorf("segments = %+v, want %+v", segs, want)
	}
}

func TestThinkParserTagSplitAcrossTokens(t *testing.T) {
	p := &thinkParser{}
	segs := feedAll(p, "a<th", "ink>pondering</th", "ink>answer")

	want := []segment{
		{text: "a"},
		{text: "pondering", thinking: true},
		{thinkingEnd: true},
		{text: "answer"},
	}
	if !reflect.DeepEqual(segs, want) {
		t.Errorf("segments = %+v, want %+v", segs, want)
	}
}

func TestThinkParserTagSplitCharByChar(t *testing.T) {
	p := &thinkParser{}
	var segs []segment
	for _, r := range "x<think>y</think>z" {
		segs = append(segs, p.Feed(string(r))...)
	}
	segs = append(segs, p.Flush()...)

	want := []segment{
		{text: "x"},
		{text: "y", thinking: true},
		{thinkingEnd: true},
		{text: "z"},
	}
	if !reflect.DeepEqual(segs, want) {
		t.Errorf("segments = %+v, want %+v", segs, want)
	}
}

func TestThinkParserDanglingPartialTagFlushedAsText(t *testing.T) {
	p := &thinkParser{}
	segs := feedAll(p, "answer<th")

	want := []segment{{text: "answer"}, {text: "<th"}}
	if !reflect.DeepEqual(segs, want) {
		t.Errorf("segments = %+v, want %+v", segs, want)
	}
}

func TestThinkParserUnclosedThinkBlock(t *testing.T) {
	p := &thinkParser{}
	segs := feedAll(p, "<think>never closed")

	want := []segment{{text: "never closed", thinking: true}}
	if !reflect.DeepEqual(segs, want) {
		t.Errorf("segments = %+v, want %+v", segs, want)
	}
}

func TestThinkParserAngleBracketNotATag(t *testing.T) {
	p := &thinkParser{}
	segs := feedAll(p, "a < b", " and a <t", "ag> done")

	var got string
	for _, seg := range segs {
		if seg.thinking || seg.thinkingEnd {
			t.Fatalf("unexpected thinking segment: %+v", seg)
		}
		got += seg.text
	}
	if got != "a < b and a <tag> done" {
		t.Errorf("text = %q", got)
	}
}
