package engine

import (
	"fmt"
	"net"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
)

// candidatesFromAddrs builds one ICE host candidate per local address a
// worker is bound to. Unlike a full ICE agent, which gathers candidates by
// enumerating host network interfaces, an ICE-lite agent only ever tells
// the peer about the exact addresses it is reachable on, so the candidate
// set here is just cfg.LocalAddrs turned into ice.Candidate values.
func candidatesFromAddrs(addrs []net.Addr) ([]ice.Candidate, error) {
	candidates := make([]ice.Candidate, 0, len(addrs))
	for i, addr := range addrs {
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			return nil, fmt.Errorf("engine: local addr %s is not udp", addr)
		}
		cand, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
			Network:    "udp",
			Address:    udpAddr.IP.String(),
			Port:       udpAddr.Port,
			Component:  ice.ComponentRTP,
			Foundation: fmt.Sprintf("host%d", i),
		})
		if err != nil {
			return nil, fmt.Errorf("engine: build host candidate for %s: %w", addr, err)
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// patchAnswerCandidates rewrites answerSDP so every media section carries
// an a=candidate line per local address plus a=end-of-candidates, since
// this server never trickles ICE candidates and the remote peer has to see
// them in the initial answer. pion's own gatherer would otherwise populate
// candidates by walking host interfaces, which has nothing to do with the
// address the transport layer actually bound.
func patchAnswerCandidates(answerSDP []byte, addrs []net.Addr) ([]byte, error) {
	candidates, err := candidatesFromAddrs(addrs)
	if err != nil {
		return nil, err
	}

	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal(answerSDP); err != nil {
		return nil, fmt.Errorf("engine: unmarshal answer for candidate patch: %w", err)
	}

	for i := range parsed.MediaDescriptions {
		md := parsed.MediaDescriptions[i]
		for _, cand := range candidates {
			md.WithValueAttribute("candidate", strings.TrimPrefix(cand.Marshal(), "candidate:"))
		}
		md.WithPropertyAttribute("end-of-candidates")
	}

	return parsed.Marshal()
}
