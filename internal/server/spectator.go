package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/nibty/agonai-sub001/internal/arena"
	"github.com/nibty/agonai-sub001/internal/logging"
	"github.com/nibty/agonai-sub001/internal/protocol"
)

const spectatorBufferSize = 128

// spectator is one watcher connection. Its send channel doubles as the
// broadcast sink; a watcher that stops reading starts dropping events
// instead of stalling the fan-out path.
type spectator struct {
	conn      net.Conn
	contestID int64
	voterID   string
	send      chan []byte
	done      chan struct{}
}

// Send implements broadcast.Sink.
func (sp *spectator) Send(data []byte) bool {
	select {
	case sp.send <- data:
		return true
	default:
		return false
	}
}

func (s *Server) serveSpectator(conn net.Conn, contestID int64, voterID string) {
	if voterID == "" {
		voterID = uuid.NewString()
	}
	sp := &spectator{
		conn:      conn,
		contestID: contestID,
		voterID:   voterID,
		send:      make(chan []byte, spectatorBufferSize),
		done:      make(chan struct{}),
	}

	s.cfg.Broadcaster.Join(contestID, sp)
	go s.spectatorWritePump(sp)
	go s.spectatorReadPump(sp)
}

func (s *Server) spectatorReadPump(sp *spectator) {
	defer logging.RecoverPanic(s.logger, "server.spectatorReadPump")
	defer func() {
		close(sp.done)
		sp.conn.Close()
		s.cfg.Broadcaster.Leave(sp.contestID, sp)
	}()

	for {
		msg, op, err := wsutil.ReadClientData(sp.conn)
		if err != nil {
			return
		}
		switch op {
		case ws.OpText:
			s.handleSpectatorFrame(sp, msg)
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) handleSpectatorFrame(sp *spectator, data []byte) {
	in, err := protocol.ParseSpectatorInbound(data)
	if err != nil {
		s.logger.Debug().Err(err).Int64("contest_id", sp.contestID).Msg("Invalid spectator frame dropped")
		s.sendError(sp, protocol.CodeInvalidVote, "malformed vote")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted, err := s.cfg.Arena.SubmitVote(ctx, sp.contestID, in.Payload.RoundIndex, sp.voterID, in.Payload.Choice)
	switch {
	case errors.Is(err, arena.ErrVoteClosed):
		s.sendError(sp, protocol.CodeInvalidVote, "voting is not open for this round")
	case err != nil:
		s.logger.Error().Err(err).Int64("contest_id", sp.contestID).Msg("Vote submission failed")
		s.sendError(sp, protocol.CodeInvalidVote, "vote could not be recorded")
	case !accepted:
		s.sendError(sp, protocol.CodeDuplicateVote, "you already voted in this round")
	}
}

func (s *Server) sendError(sp *spectator, code, message string) {
	data, err := json.Marshal(protocol.NewError(code, message))
	if err != nil {
		return
	}
	sp.Send(data)
}

func (s *Server) spectatorWritePump(sp *spectator) {
	defer logging.RecoverPanic(s.logger, "server.spectatorWritePump")
	defer sp.conn.Close()

	for {
		select {
		case <-sp.done:
			return
		case data := <-sp.send:
			sp.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := wsutil.WriteServerMessage(sp.conn, ws.OpText, data); err != nil {
				return
			}
		}
	}
}
