//go:build e2e

package main

import (
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"testing"
	"time"

	"github.com/sclevine/agouti"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tinysfu/core/internal/bus"
	"github.com/tinysfu/core/internal/controller"
	"github.com/tinysfu/core/internal/engine"
	"github.com/tinysfu/core/internal/ioevent"
	"github.com/tinysfu/core/internal/sfulog"
	"github.com/tinysfu/core/internal/transport"
	"github.com/tinysfu/core/internal/worker"
)

// TestWhipHandshakeFromBrowser drives a WHIP handshake end to end: a real
// browser posts a real SDP offer to a real PionEngine-backed worker over a
// loopback UDP pair, and the response is a 200 with an SDP answer body. It
// is gated behind the e2e build tag and skipped without a chromedriver
// binary on PATH.
func TestWhipHandshakeFromBrowser(t *testing.T) {
	if _, err := exec.LookPath("chromedriver"); err != nil {
		t.Skip("chromedriver not found on PATH, skipping browser e2e test")
	}

	log := zap.NewNop()
	cert, err := engine.NewCertificate()
	require.NoError(t, err)

	mediaBus := bus.New(bus.DefaultCapacity)
	loggerFactory := sfulog.NewFactory(log)
	ctrl := controller.New(log, 16)

	sock, err := transport.NewPreferred(transport.Plain, "127.0.0.1:0")
	require.NoError(t, err)
	defer sock.Close()
	require.NoError(t, sock.Prepare())

	inbound := make(chan ioevent.Event, 16)
	w := worker.New(sock, cert, []net.Addr{sock.LocalAddr()}, mediaBus, loggerFactory.NewLogger("e2e-worker"), inbound, ctrl.Outbound())
	ctrl.AddWorker(w, inbound)
	ctrl.Run()
	defer ctrl.Shutdown()

	pending := newPendingResponses()
	go drainOutbound(ctrl, pending)

	router := newRouter(ctrl, pending)
	httpSock, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer httpSock.Close()
	go func() { _ = http.Serve(httpSock, router) }()

	driver := agouti.ChromeDriver(agouti.ChromeOptions("args", []string{"--headless", "--disable-gpu"}))
	require.NoError(t, driver.Start())
	defer driver.Stop()

	page, err := driver.NewPage()
	require.NoError(t, page.Navigate("about:blank"))
	require.NoError(t, err)

	endpoint := fmt.Sprintf("http://%s/whip/endpoint", httpSock.Addr().String())
	script := fmt.Sprintf(`
		var done = false;
		var result = null;
		fetch(%q, {method: "POST", headers: {"Authorization": "e2e-room"}, body: %q})
			.then(r => r.text().then(body => { result = {status: r.status, body: body}; done = true; }));
		return new Promise(resolve => {
			var check = setInterval(() => { if (done) { clearInterval(check); resolve(result); } }, 50);
		});
	`, endpoint, minimalOffer)

	var result map[string]interface{}
	require.Eventually(t, func() bool {
		err := page.RunScript(script, nil, &result)
		return err == nil && result != nil
	}, 10*time.Second, 200*time.Millisecond)

	require.EqualValues(t, 200, result["status"])
	require.Contains(t, result["body"], "v=0")
}

// minimalOffer is a syntactically valid recvonly-from-the-SFU's-perspective
// audio+video offer, enough for PionEngine.AcceptOffer to produce an
// answer; it carries no real ICE candidates, so the resulting session
// never completes DTLS — this test only checks the HTTP handshake leg of
// S1, not a full media round trip.
const minimalOffer = `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
t=0 0
a=group:BUNDLE 0 1
a=ice-lite
a=msid-semantic: WMS
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=rtcp:9 IN IP4 0.0.0.0
a=ice-ufrag:e2euuuu
a=ice-pwd:e2eppppppppppppppppppppppppppppppp
a=ice-options:trickle
a=fingerprint:sha-256 00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF
a=setup:actpass
a=mid:0
a=sendonly
a=rtcp-mux
a=rtpmap:111 opus/48000/2
m=video 9 UDP/TLS/RTP/SAVPF 102
c=IN IP4 0.0.0.0
a=rtcp:9 IN IP4 0.0.0.0
a=ice-ufrag:e2euuuu
a=ice-pwd:e2eppppppppppppppppppppppppppppppp
a=ice-options:trickle
a=fingerprint:sha-256 00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF
a=setup:actpass
a=mid:1
a=sendonly
a=rtcp-mux
a=rtpmap:102 H264/90000
`
