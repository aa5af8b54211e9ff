package main

import (
	"context"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

func (jm *JobManager) markZMQHealthy() {
	if jm.coinCfg.ZMQBlockAddr == "" {
		return
	}
	if jm.zmqHealthy.Swap(true) {
		return
	}
	logger.Info("zmq watcher healthy", "coin", jm.coin, "addr", jm.coinCfg.ZMQBlockAddr)
	atomic.AddUint64(&jm.zmqReconnects, 1)
	verb := "connected"
	if atomic.LoadUint64(&jm.zmqDisconnects) > 0 {
		verb = "reconnected"
	}
	jm.lastErrMu.Lock()
	jm.appendJobFeedError("event: zmq " + verb + " (" + jm.coinCfg.ZMQBlockAddr + ")")
	jm.lastErrMu.Unlock()
}

func (jm *JobManager) markZMQUnhealthy(reason string, err error) {
	if jm.coinCfg.ZMQBlockAddr == "" {
		return
	}
	fields := []interface{}{"coin", jm.coin, "reason", reason}
	if err != nil {
		fields = append(fields, "error", err)
	}
	if jm.zmqHealthy.Swap(false) {
		atomic.AddUint64(&jm.zmqDisconnects, 1)
		logger.Warn("zmq watcher unhealthy", fields...)
	} else if err != nil {
		logger.Error("zmq watcher error", fields...)
	}
}

// pollLoop is the fallback template source: a plain getblocktemplate on a
// fixed interval. It catches template changes (new transactions, curtime
// advance) that neither longpoll nor ZMQ surface promptly.
func (jm *JobManager) pollLoop(ctx context.Context) {
	interval := time.Duration(jm.coinCfg.PollIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := jm.refreshJobCtx(ctx); err != nil {
				logger.Error("poll refresh error", "coin", jm.coin, "error", err)
			}
		}
	}
}

func (jm *JobManager) longpollLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job := jm.CurrentJob()
		if job == nil {
			if err := jm.refreshJobCtx(ctx); err != nil {
				logger.Error("longpoll refresh (no job) error", "coin", jm.coin, "error", err)
				if err := sleepContext(ctx, jobRetryDelay); err != nil {
					return
				}
				continue
			}
			continue
		}

		if job.Template.LongPollID == "" {
			logger.Warn("longpollid missing; refreshing job normally", "coin", jm.coin)
			if err := jm.refreshJobCtx(ctx); err != nil {
				logger.Error("job refresh error", "coin", jm.coin, "error", err)
			}
			if err := sleepContext(ctx, jobRetryDelay); err != nil {
				return
			}
			continue
		}

		params := map[string]interface{}{
			"rules":      []string{"segwit"},
			"longpollid": job.Template.LongPollID,
		}
		tpl, err := jm.fetchTemplateCtx(ctx, params, true)
		if err != nil {
			jm.recordJobError(err)
			logger.Error("longpoll gbt error", "coin", jm.coin, "error", err)
			if err := sleepContext(ctx, jobRetryDelay); err != nil {
				return
			}
			continue
		}

		if err := jm.refreshFromTemplate(ctx, tpl); err != nil {
			logger.Error("longpoll refresh error", "coin", jm.coin, "error", err)
			if errors.Is(err, errStaleTemplate) {
				if err := jm.refreshJobCtx(ctx); err != nil {
					logger.Error("fallback refresh after stale template", "coin", jm.coin, "error", err)
				}
			}
			if err := sleepContext(ctx, jobRetryDelay); err != nil {
				return
			}
			continue
		}
	}
}

func (jm *JobManager) handleZMQNotification(ctx context.Context, topic string, payload []byte) error {
	// Any ZMQ message means the socket is alive.
	jm.markZMQHealthy()

	if topic != "hashblock" {
		return nil
	}
	blockHash := hex.EncodeToString(payload)
	logger.Info("zmq block notification", "coin", jm.coin, "block_hash", blockHash)
	return jm.refreshJobCtxForce(ctx)
}

// zmqBlockLoop subscribes to the daemon's hashblock publisher and refreshes
// the job the moment a new block lands. The socket is recreated with
// exponential backoff on any terminal error.
func (jm *JobManager) zmqBlockLoop(ctx context.Context) {
	backoff := defaultZMQRecreateBackoffMin
	bumpBackoff := func() {
		if backoff < defaultZMQRecreateBackoffMax {
			backoff *= 2
			if backoff > defaultZMQRecreateBackoffMax {
				backoff = defaultZMQRecreateBackoffMax
			}
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := zmq4.NewSocket(zmq4.SUB)
		if err != nil {
			jm.markZMQUnhealthy("socket", err)
			if err := sleepContext(ctx, backoff); err != nil {
				return
			}
			bumpBackoff()
			continue
		}
		_ = sub.SetLinger(0)

		if err := sub.SetSubscribe("hashblock"); err != nil {
			jm.markZMQUnhealthy("subscribe", err)
			sub.Close()
			if err := sleepContext(ctx, backoff); err != nil {
				return
			}
			bumpBackoff()
			continue
		}

		if err := sub.SetRcvtimeo(defaultZMQReceiveTimeout); err != nil {
			jm.markZMQUnhealthy("set_rcvtimeo", err)
			sub.Close()
			if err := sleepContext(ctx, backoff); err != nil {
				return
			}
			bumpBackoff()
			continue
		}
		_ = sub.SetConnectTimeout(defaultZMQConnectTimeout)
		_ = sub.SetReconnectIvl(defaultZMQReconnectInterval)
		_ = sub.SetReconnectIvlMax(defaultZMQReconnectMax)

		if err := sub.Connect(jm.coinCfg.ZMQBlockAddr); err != nil {
			jm.markZMQUnhealthy("connect", err)
			sub.Close()
			if err := sleepContext(ctx, backoff); err != nil {
				return
			}
			bumpBackoff()
			continue
		}

		jm.markZMQHealthy()
		logger.Info("watching ZMQ block notifications", "coin", jm.coin, "addr", jm.coinCfg.ZMQBlockAddr)
		backoff = defaultZMQRecreateBackoffMin

		for {
			if ctx.Err() != nil {
				sub.Close()
				return
			}
			frames, err := sub.RecvMessageBytes(0)
			if err != nil {
				eno := zmq4.AsErrno(err)
				if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
					continue
				}
				jm.markZMQUnhealthy("receive", err)
				sub.Close()
				if err := sleepContext(ctx, backoff); err != nil {
					return
				}
				bumpBackoff()
				break
			}
			if len(frames) < 2 {
				logger.Warn("zmq notification malformed", "coin", jm.coin, "frames", len(frames))
				continue
			}

			topic := string(frames[0])
			if err := jm.handleZMQNotification(ctx, topic, frames[1]); err != nil {
				logger.Error("refresh after zmq notification error", "coin", jm.coin, "topic", topic, "error", err)
			}
		}
	}
}
