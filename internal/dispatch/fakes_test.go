package dispatch

import (
	"context"
	"sync"

	"github.com/basket/wtf-bot/internal/router"
	"github.com/basket/wtf-bot/internal/summarizer"
)

type sentMessage struct {
	ChatID int64
	Text   string
	Opts   SendOptions
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	typing int
	sendFn func(text string, opts SendOptions) error
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, text string, opts SendOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text, Opts: opts})
	if f.sendFn != nil {
		if err := f.sendFn(text, opts); err != nil {
			return 0, err
		}
	}
	return int64(len(f.sent)), nil
}

func (f *fakeSender) SendTyping(context.Context, int64) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeClassifier struct {
	lastInput  router.Input
	classifyFn func(in router.Input) router.Decision
}

func (f *fakeClassifier) Classify(_ context.Context, in router.Input) router.Decision {
	f.lastInput = in
	return f.classifyFn(in)
}

type fakeSummarizer struct {
	calls       int
	lastReq     summarizer.Request
	summarizeFn func(req summarizer.Request) (summarizer.Result, error)
}

func (f *fakeSummarizer) Summarize(_ context.Context, req summarizer.Request) (summarizer.Result, error) {
	f.calls++
	f.lastReq = req
	return f.summarizeFn(req)
}

type fakeResponder struct {
	calls     int
	respondFn func(text string) (string, error)
}

func (f *fakeResponder) Respond(_ context.Context, text string, _, _ int64) (string, error) {
	f.calls++
	return f.respondFn(text)
}
