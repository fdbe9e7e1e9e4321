package conversation

import (
	"context"
	"time"
)

// The silence monitor is a per-conversation ticker goroutine guarded by
// a generation counter. Every start bumps the generation and spawns a
// fresh loop; pause and stop just bump it, so any older loop notices on
// its next tick and exits. No goroutine handles are kept around.

func (c *Conversation) startMonitor() {
	c.mu.Lock()
	if c.speechState == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.monitorGen++
	gen := c.monitorGen
	c.lastVoiceActivity = c.now()
	c.mu.Unlock()

	go c.runMonitor(gen)
}

func (c *Conversation) stopMonitor() {
	c.mu.Lock()
	c.monitorGen++
	c.mu.Unlock()
}

func (c *Conversation) runMonitor(gen int64) {
	ticker := time.NewTicker(c.timings.MonitorTick)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if gen != c.monitorGen || c.speechState == StateDisconnected {
			c.mu.Unlock()
			return
		}

		timeout := c.timings.SilenceTimeout
		if c.silencePhase == PhaseInitial {
			timeout = c.timings.InitialSilenceTimeout
		}
		silence := c.now().Sub(c.lastVoiceActivity)

		switch c.speechState {
		case StateWarning:
			// The grace window counts from the warning, so disconnect only
			// once the silence outlasts the timeout plus the grace.
			if silence > timeout+c.timings.WarningGrace {
				c.speechState = StateDisconnected
				c.endedAt = c.now()
				c.monitorGen++
				c.mu.Unlock()
				c.metrics.SilenceDisconnects.Inc()
				c.log.Info().
					Int64("silence_ms", silence.Milliseconds()).
					Msg("silence grace expired, disconnecting")
				return
			}
		case StateListening, StateIdle, StateInterrupted:
			if silence > timeout {
				c.speechState = StateWarning
				phase := c.silencePhase
				c.mu.Unlock()
				c.metrics.SilenceWarnings.Inc()
				c.log.Info().
					Int64("silence_ms", silence.Milliseconds()).
					Str("phase", string(phase)).
					Msg("silence threshold reached, sending check-in")
				go c.sendCheckIn(gen)
				c.mu.Lock()
			}
		}
		c.mu.Unlock()
	}
}

// sendCheckIn asks the generator for a nudge line off the ticker loop so
// a slow generator never stalls silence accounting.
func (c *Conversation) sendCheckIn(gen int64) {
	reply, err := c.generate(context.Background(), SilenceCheckInPrompt, "check_in")

	c.mu.Lock()
	// A bumped generation or a state change means the caller spoke (or the
	// call ended) while we were generating; the nudge is stale.
	if c.monitorGen != gen || c.speechState != StateWarning {
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.pendingResponse = reply
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Msg("check-in generation failed")
		return
	}
	c.saveTurnBestEffort("assistant", reply, false)
	c.log.Info().Str("check_in", preview(reply, 80)).Msg("silence check-in ready")
}
