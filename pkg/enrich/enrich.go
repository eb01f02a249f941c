// Package enrich rewrites new items before they are stored: titles are
// translated into the reader's language and long summaries are condensed.
// Videos can instead get a ready-to-share social post written from their
// description, followed by a summary.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/elonfeng/newsradar/internal/logging"
	"github.com/elonfeng/newsradar/pkg/llm"
	"github.com/elonfeng/newsradar/pkg/source"
)

// minTranslateRunes is the shortest title worth translating.
const minTranslateRunes = 10

const (
	// minVideoDescriptionRunes is the shortest description worth summarizing
	// below a video post.
	minVideoDescriptionRunes = 200
	maxVideoPromptRunes      = 2000
	videoSeparator           = "\n\n---\n\n"
)

// Options configure the enricher.
type Options struct {
	// Language is the target language for titles, e.g. "Arabic". Empty
	// disables translation.
	Language string
	// SummarizeMinChars is the summary length above which it is condensed.
	// Zero disables summarization.
	SummarizeMinChars int
	// VideoPosts replaces the summary of YouTube items with a social post
	// and a summary of the video description.
	VideoPosts bool
	// Timeout bounds each service call.
	Timeout time.Duration
}

// Enricher rewrites item text through a reasoning service. Every failure
// keeps the original text.
type Enricher struct {
	provider llm.Provider
	opts     Options
	log      *log.Logger
}

// New creates an enricher.
func New(provider llm.Provider, opts Options) *Enricher {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Enricher{
		provider: provider,
		opts:     opts,
		log:      logging.WithPrefix("enrich"),
	}
}

// Enrich translates the title and condenses the summary in place.
func (e *Enricher) Enrich(ctx context.Context, item *source.Item) {
	if e.opts.Language != "" && utf8.RuneCountInString(strings.TrimSpace(item.Title)) >= minTranslateRunes {
		if title, err := e.translate(ctx, item.Title); err != nil {
			e.log.Warn("translate failed, keeping original", "link", item.Link, "err", err)
		} else {
			item.Title = title
		}
	}

	if e.opts.VideoPosts && source.VideoID(item.Link) != "" {
		e.enrichVideo(ctx, item)
		return
	}

	if e.opts.SummarizeMinChars > 0 && utf8.RuneCountInString(item.Summary) > e.opts.SummarizeMinChars {
		if summary, err := e.summarize(ctx, item.Title, item.Summary); err != nil {
			e.log.Warn("summarize failed, keeping original", "link", item.Link, "err", err)
		} else {
			item.Summary = summary
		}
	}
}

// enrichVideo writes the post first and appends a summary when the
// description has enough substance. A failed post keeps the original summary.
func (e *Enricher) enrichVideo(ctx context.Context, item *source.Item) {
	desc := strings.TrimSpace(item.Summary)
	post, err := e.videoPost(ctx, item.Title, desc)
	if err != nil {
		e.log.Warn("video post failed, keeping original", "link", item.Link, "err", err)
		return
	}
	item.Summary = post

	if utf8.RuneCountInString(desc) < minVideoDescriptionRunes {
		return
	}
	summary, err := e.summarize(ctx, item.Title, desc)
	if err != nil {
		e.log.Warn("video summary failed, keeping post only", "link", item.Link, "err", err)
		return
	}
	item.Summary = post + videoSeparator + summary
}

func (e *Enricher) videoPost(ctx context.Context, title, desc string) (string, error) {
	body := "Use the title only and expand on the subject."
	if desc != "" {
		body = truncateRunes(desc, maxVideoPromptRunes)
	}
	lang := e.opts.Language
	if lang == "" {
		lang = "the language of the title"
	}
	return e.generate(ctx, llm.Request{
		System: "You run a news page on social media. Turn a news video into an engaging post: " +
			"open with a hook, then a sharp summary of the content, with fitting emojis and a few relevant hashtags. " +
			"Do not mention that it is a video.",
		Prompt:      fmt.Sprintf("Write the post in %s.\n\nTitle: %s\n\nContent: %s", lang, title, body),
		MaxTokens:   600,
		Temperature: 0.7,
	})
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (e *Enricher) translate(ctx context.Context, title string) (string, error) {
	return e.generate(ctx, llm.Request{
		System:      "You translate news headlines. Reply with the translation only, no quotes or explanation.",
		Prompt:      fmt.Sprintf("Translate this headline into %s:\n\n%s", e.opts.Language, title),
		MaxTokens:   200,
		Temperature: 0.2,
	})
}

func (e *Enricher) summarize(ctx context.Context, title, text string) (string, error) {
	lang := e.opts.Language
	if lang == "" {
		lang = "the language of the text"
	}
	return e.generate(ctx, llm.Request{
		System: "You write news summaries. Go straight to the facts in one short paragraph. " +
			"Do not mention that this is a summary and do not use lists or emojis.",
		Prompt:      fmt.Sprintf("Headline: %s\n\nSummarize the following in %s:\n\n%s", title, lang, text),
		MaxTokens:   400,
		Temperature: 0.3,
	})
}

func (e *Enricher) generate(ctx context.Context, req llm.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	out, err := e.provider.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	out = strings.Trim(strings.TrimSpace(llm.StripCodeFence(out)), `"`)
	if out == "" {
		return "", fmt.Errorf("empty %s response", e.provider.Name())
	}
	return out, nil
}
