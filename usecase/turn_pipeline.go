package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/domain/entities"
	"github.com/vocalisai/vocalis/domain/repositories"
	"github.com/vocalisai/vocalis/internal/backpressure"
	"github.com/vocalisai/vocalis/internal/cancellation"
	"github.com/vocalisai/vocalis/internal/clock"
	"github.com/vocalisai/vocalis/internal/config"
	"github.com/vocalisai/vocalis/internal/session"
)

// TurnOutput receives the streaming products of one turn. The websocket
// gateway implements it; tests substitute a recorder.
type TurnOutput interface {
	SendTranscript(text string, final bool)
	SendSpeakingStart()
	SendAudioChunk(chunk []byte)
	SendFrame(frame entities.BlendshapeFrame)
	SendSpeakingEnd(interrupted bool)
}

// TurnPipeline orchestrates one conversational turn: context assembly,
// language generation, speech synthesis, and facial animation, streamed
// stage to stage so the first audio byte leaves before generation finishes.
type TurnPipeline struct {
	llm      repositories.LanguageModel
	tts      repositories.SpeechSynthesizer
	animator repositories.Animator
	bp       *backpressure.Controller
	clock    *clock.AudioClock
	settings config.Settings
	logger   *zap.Logger
}

// NewTurnPipeline creates a pipeline. animator and bp may be nil.
func NewTurnPipeline(
	llm repositories.LanguageModel,
	tts repositories.SpeechSynthesizer,
	animator repositories.Animator,
	bp *backpressure.Controller,
	audioClock *clock.AudioClock,
	settings config.Settings,
	logger *zap.Logger,
) *TurnPipeline {
	return &TurnPipeline{
		llm:      llm,
		tts:      tts,
		animator: animator,
		bp:       bp,
		clock:    audioClock,
		settings: settings,
		logger:   logger,
	}
}

// ProcessTurn runs one turn for the session from a final transcript. A
// collaborator failure abandons the turn and returns the session to
// LISTENING instead of crashing it; the error is still reported. The hard
// per-turn timeout covers the wait for the first audio byte.
func (p *TurnPipeline) ProcessTurn(ctx context.Context, sess *session.Session, transcript string, out TurnOutput) error {
	if transcript == "" {
		return fmt.Errorf("empty transcript")
	}

	out.SendTranscript(transcript, true)

	sess.Window().AddUserMessage(transcript)
	messages, err := sess.Window().Messages(ctx)
	if err != nil {
		// Rollover failure rejects the turn; the context is never
		// silently truncated.
		sess.AbandonTurn(cancellation.ReasonError)
		return fmt.Errorf("context window unavailable: %w", err)
	}

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	// A barge-in or session stop must tear the whole pipeline down.
	handlerID := sess.Cancellation().Register(func(_ context.Context, msg cancellation.CancelMessage) error {
		p.llm.Abort()
		p.tts.Cancel()
		if p.animator != nil {
			p.animator.Cancel()
		}
		cancelTurn()
		return nil
	})
	defer sess.Cancellation().Unregister(handlerID)

	opts := p.generateOptions()
	tokens, err := p.llm.GenerateStream(turnCtx, messages, opts)
	if err != nil {
		sess.AbandonTurn(cancellation.ReasonError)
		return fmt.Errorf("generation failed: %w", err)
	}

	// Tee the token stream: one copy feeds synthesis, one copy is
	// accumulated for the context window.
	ttsTokens := make(chan string, 16)
	replyDone := make(chan string, 1)
	go func() {
		var reply string
		for token := range tokens {
			reply += token
			select {
			case ttsTokens <- token:
			case <-turnCtx.Done():
				close(ttsTokens)
				replyDone <- reply
				return
			}
		}
		close(ttsTokens)
		replyDone <- reply
	}()

	synthAudio, err := p.tts.SynthesizeStream(turnCtx, ttsTokens)
	if err != nil {
		sess.AbandonTurn(cancellation.ReasonError)
		return fmt.Errorf("synthesis failed: %w", err)
	}

	audio, frames := p.startAnimation(turnCtx, sess.ID, synthAudio)

	firstAudio := false
	timeout := time.NewTimer(p.settings.TurnTimeout)
	defer timeout.Stop()

	for audio != nil || frames != nil {
		select {
		case <-turnCtx.Done():
			p.collectReply(sess.ID, replyDone)
			out.SendSpeakingEnd(true)
			return nil
		case <-timeout.C:
			if !firstAudio {
				p.logger.Warn("Turn timed out before first audio",
					zap.String("sessionID", sess.ID),
					zap.Duration("timeout", p.settings.TurnTimeout))
				sess.AbandonTurn(cancellation.ReasonTimeout)
				p.collectReply(sess.ID, replyDone)
				out.SendSpeakingEnd(true)
				return fmt.Errorf("no audio within %s", p.settings.TurnTimeout)
			}
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			out.SendFrame(frame)
		case chunk, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			if !firstAudio {
				firstAudio = true
				sess.OnResponseReady()
				sess.OnFirstAudioByte(p.clock.NowMs(sess.ID))
				out.SendSpeakingStart()
			}
			out.SendAudioChunk(chunk)
		}
	}

	reply := p.collectReply(sess.ID, replyDone)

	if turnCtx.Err() != nil || sess.Cancellation().IsCancelled() {
		out.SendSpeakingEnd(true)
		return nil
	}
	if reply != "" {
		sess.Window().AddAssistantMessage(reply)
	}
	sess.OnResponseComplete()
	out.SendSpeakingEnd(false)
	return nil
}

// generateOptions maps the current backpressure knobs onto the generation
// call.
func (p *TurnPipeline) generateOptions() repositories.GenerateOptions {
	opts := repositories.GenerateOptions{
		MaxTokens:       p.settings.MaxResponseTokens,
		VerbosityFactor: 1.0,
	}
	if p.bp == nil {
		return opts
	}
	knobs := p.bp.Knobs()
	opts.VerbosityFactor = knobs.VerbosityFactor
	if knobs.MaxTokensOverride > 0 && knobs.MaxTokensOverride < opts.MaxTokens {
		opts.MaxTokens = knobs.MaxTokensOverride
	}
	opts.ToolsDisabled = knobs.ToolsDisabled
	return opts
}

// startAnimation tees the synthesized audio into a playback copy and an
// animation tap. Under the animation-yield knob, or without an animator,
// the audio passes through untouched and the frame channel is empty.
func (p *TurnPipeline) startAnimation(ctx context.Context, sessionID string, audio <-chan []byte) (<-chan []byte, <-chan entities.BlendshapeFrame) {
	empty := make(chan entities.BlendshapeFrame)
	close(empty)

	yield := p.bp != nil && p.bp.Knobs().AnimationYield
	if p.animator == nil || yield {
		return audio, empty
	}

	playback := make(chan []byte, 16)
	tap := make(chan []byte, 16)
	go func() {
		defer close(playback)
		defer close(tap)
		for chunk := range audio {
			select {
			case tap <- chunk:
			default:
				// Animation is best-effort; never stall playback.
			}
			select {
			case playback <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	frames, err := p.animator.GenerateFrames(ctx, tap)
	if err != nil {
		p.logger.Warn("Animator unavailable, continuing without frames",
			zap.String("sessionID", sessionID),
			zap.Error(err))
		return playback, empty
	}
	return playback, frames
}

// collectReply waits briefly for the token collector so the assistant reply
// is not lost between goroutines.
func (p *TurnPipeline) collectReply(sessionID string, replyDone <-chan string) string {
	select {
	case reply := <-replyDone:
		return reply
	case <-time.After(p.settings.InterruptionBudget):
		p.logger.Warn("Reply collector still pending after turn end",
			zap.String("sessionID", sessionID))
		return ""
	}
}
