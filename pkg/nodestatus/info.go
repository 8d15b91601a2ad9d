package nodestatus

import (
	"sync/atomic"

	"github.com/samsamfire/gouavcan/pkg/canard"
	"github.com/samsamfire/gouavcan/pkg/dsdl"
	"github.com/samsamfire/gouavcan/pkg/transport"
	"github.com/samsamfire/gouavcan/pkg/worker"
	log "github.com/sirupsen/logrus"
)

// InfoServer answers uavcan.protocol.GetNodeInfo requests
type InfoServer struct {
	tr        *transport.Transport
	publisher *Publisher
	logger    *log.Entry
	info      dsdl.GetNodeInfoResponse
	task      worker.ListenerTask
	served    atomic.Uint64
}

// NewInfoServer answers with info, its status being replaced by the current
// one of publisher
func NewInfoServer(tr *transport.Transport, publisher *Publisher, info dsdl.GetNodeInfoResponse) *InfoServer {
	return &InfoServer{
		tr:        tr,
		publisher: publisher,
		logger:    log.WithField("service", "[NODEINFO]"),
		info:      info,
	}
}

func (s *InfoServer) Attach(thread *worker.Thread) {
	thread.AddListenerTask(&s.task, s.tr.Subscribe(dsdl.GetNodeInfoDescriptor), s.handle)
}

func (s *InfoServer) Detach(thread *worker.Thread) {
	thread.RemoveListenerTask(&s.task)
}

// Number of requests answered
func (s *InfoServer) Served() uint64 {
	return s.served.Load()
}

func (s *InfoServer) handle(record []byte) {
	request, err := transport.DecodeTransfer(record)
	if err != nil || request.Kind != canard.TransferKindRequest {
		return
	}
	response := s.info
	response.Status = s.publisher.Status()
	err = s.tr.Respond(dsdl.GetNodeInfoDescriptor, request.Priority, request.SourceNodeID, request.TransferID, &response)
	if err != nil {
		s.logger.Warnf("failed to answer node %v : %v", request.SourceNodeID, err)
		return
	}
	s.served.Add(1)
	s.logger.Debugf("answered node %v", request.SourceNodeID)
}
