package session

import (
	"context"
	"crypto/sha256"
	"net"
	"os"
	"testing"
	"time"

	"github.com/gse-fls/uploader/internal/arincwire"
	"github.com/gse-fls/uploader/internal/tftp"
	"github.com/gse-fls/uploader/internal/tftpwire"
)

// fakeTarget plays the aircraft LRU's side of one full upload flow: it
// answers system.LUI on RRQ, pushes the initial LUS via WRQ, accepts
// the LUR, serves as the RRQ client for the image+hash, and finally
// pushes the two progress LUS frames.
type fakeTarget struct {
	conn *net.UDPConn
}

func newFakeTarget(t *testing.T) *fakeTarget {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return &fakeTarget{conn: conn}
}

func (f *fakeTarget) port() int { return f.conn.LocalAddr().(*net.UDPAddr).Port }
func (f *fakeTarget) close()    { f.conn.Close() }

func (f *fakeTarget) readOpcode(t *testing.T) (tftpwire.Opcode, []byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 4+tftpwire.BlockSize)
	f.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, addr, err := f.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("target read: %v", err)
	}
	op, body, err := tftpwire.DecodeOpcode(buf[:n])
	if err != nil {
		t.Fatalf("target decode: %v", err)
	}
	return op, body, addr
}

func (f *fakeTarget) send(t *testing.T, pkt []byte, addr *net.UDPAddr) {
	t.Helper()
	if _, err := f.conn.WriteToUDP(pkt, addr); err != nil {
		t.Fatalf("target write: %v", err)
	}
}

func (f *fakeTarget) readAck(t *testing.T, want uint16) {
	t.Helper()
	buf := make([]byte, 4)
	f.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err := f.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("target read ACK: %v", err)
	}
	op, body, err := tftpwire.DecodeOpcode(buf[:n])
	if err != nil || op != tftpwire.OpACK {
		t.Fatalf("expected ACK, got %v %v", op, err)
	}
	if block, err := tftpwire.DecodeACK(body); err != nil || block != want {
		t.Fatalf("expected ACK(%d), got %d %v", want, block, err)
	}
}

// pushWRQData sends filename via a single-block WRQ and waits for both ACKs.
func (f *fakeTarget) pushWRQData(t *testing.T, primary *net.UDPAddr, filename string, payload []byte) {
	t.Helper()
	wrq := tftpwire.EncodeWRQ(filename, tftpwire.ModeOctet)
	f.send(t, wrq, primary)
	f.readAck(t, 0)
	data := tftpwire.EncodeDATA(1, payload)
	f.send(t, data, primary)
	f.readAck(t, 1)
}

func TestRunUploadFlowHappyPath(t *testing.T) {
	ft := newFakeTarget(t)
	defer ft.close()

	ep, err := tftp.Open(net.ParseIP("127.0.0.1"),
		tftp.WithRecvTimeout(2*time.Second),
		tftp.WithMaxRetries(3),
		tftp.WithRemotePort(ft.port()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ep.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "image-*.bin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	imageBytes := make([]byte, 1000)
	for i := range imageBytes {
		imageBytes[i] = byte(i)
	}
	if _, err := tmp.Write(imageBytes); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	tmp.Close()

	var progressVals []int
	sess := New(ep, nil, func(pct int) {
		progressVals = append(progressVals, pct)
	})

	flowDone := make(chan error, 1)
	go func() {
		flowDone <- sess.RunUploadFlow(context.Background(), tmp.Name(), "EMB-0001-021-045")
	}()

	primary := ep.LocalAddr()

	// Step 1: target answers RRQ for system.LUI.
	op, body, addr := ft.readOpcode(t)
	if op != tftpwire.OpRRQ {
		t.Fatalf("step1: expected RRQ, got %v", op)
	}
	rq, err := tftpwire.DecodeRQ(body)
	if err != nil || rq.Filename != "system.LUI" {
		t.Fatalf("step1: unexpected RRQ filename %q err %v", rq.Filename, err)
	}
	lui := arincwire.BuildLUI(0, arincwire.StatusAccepted, "ready")
	ft.send(t, tftpwire.EncodeDATA(1, lui), addr)
	ft.readAck(t, 1)

	// Step 2: target pushes the initial LUS via WRQ.
	lus := arincwire.BuildLUS(0, arincwire.StatusAccepted, "init", 0)
	ft.pushWRQData(t, primary, "LUS_init.bin", lus)

	// Step 3: target receives the LUR via WRQ.
	op, body, addr = ft.readOpcode(t)
	if op != tftpwire.OpWRQ {
		t.Fatalf("step3: expected WRQ, got %v", op)
	}
	if _, err := tftpwire.DecodeRQ(body); err != nil {
		t.Fatalf("step3: decode WRQ: %v", err)
	}
	ft.send(t, tftpwire.EncodeACK(0), addr)
	lurAddr, lurBody := readDataBlock(t, ft, 1)
	lur, err := arincwire.ParseLUR(lurBody)
	if err != nil {
		t.Fatalf("step3: ParseLUR: %v", err)
	}
	wantFilename, err := tftp.SanitizeFilename(tmp.Name())
	if err != nil {
		t.Fatalf("SanitizeFilename(%q): %v", tmp.Name(), err)
	}
	if lur.Filename != wantFilename {
		t.Fatalf("LUR filename = %q, want %q (the image's sanitized basename)", lur.Filename, wantFilename)
	}
	ft.send(t, tftpwire.EncodeACK(1), lurAddr)

	// Step 4: target is the RRQ client for the image + hash trailer; it
	// must RRQ the same basename embedded in the LUR above, not a
	// hardcoded name, since that's what a real target does.
	wantHash, _ := arincwire.Digest(imageBytes)
	gotImage, gotHash := driveImageRRQ(t, ft, primary, wantFilename)
	if string(gotImage) != string(imageBytes) {
		t.Fatalf("step4: image mismatch, got %d bytes want %d", len(gotImage), len(imageBytes))
	}
	if string(gotHash) != string(wantHash[:]) {
		t.Fatalf("step4: hash trailer mismatch")
	}

	// Step 5: target pushes the two progress LUS frames.
	lus50 := arincwire.BuildLUS(0, arincwire.StatusInProgress, "halfway", 50)
	ft.pushWRQData(t, primary, "LUS_50.bin", lus50)
	lus100 := arincwire.BuildLUS(0, arincwire.StatusCompletedOK, "done", 100)
	ft.pushWRQData(t, primary, "LUS_100.bin", lus100)

	if err := <-flowDone; err != nil {
		t.Fatalf("RunUploadFlow: %v", err)
	}
	if sess.State() != Completed {
		t.Fatalf("final state = %v, want Completed", sess.State())
	}
	// step1..step3 report 10/25/40; step4's own callback reports the
	// 1000-byte image's single intermediate point (512/1000 -> 51%,
	// mapped to 40+int(51*0.30)=55) then the final 100%->70; step5
	// reports 85 then 100.
	want := []int{10, 25, 40, 55, 70, 85, 100}
	if len(progressVals) != len(want) {
		t.Fatalf("progressVals = %v, want %v", progressVals, want)
	}
	for i, v := range want {
		if progressVals[i] != v {
			t.Fatalf("progressVals[%d] = %d, want %d (full: %v)", i, progressVals[i], v, progressVals)
		}
	}
}

func TestRunUploadFlowRejectsEmptyPartNumber(t *testing.T) {
	ep, err := tftp.Open(net.ParseIP("127.0.0.1"), tftp.WithRemotePort(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ep.Close()
	sess := New(ep, nil, nil)
	err = sess.RunUploadFlow(context.Background(), "/nonexistent", "")
	if err == nil {
		t.Fatal("expected an error for empty part number")
	}
	if sess.State() != Aborted {
		t.Fatalf("state = %v, want Aborted", sess.State())
	}
}

func readDataBlock(t *testing.T, ft *fakeTarget, want uint16) (*net.UDPAddr, []byte) {
	t.Helper()
	buf := make([]byte, 4+tftpwire.BlockSize)
	ft.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, addr, err := ft.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("target read DATA: %v", err)
	}
	op, body, err := tftpwire.DecodeOpcode(buf[:n])
	if err != nil || op != tftpwire.OpDATA {
		t.Fatalf("expected DATA, got %v %v", op, err)
	}
	block, payload, err := tftpwire.DecodeDATA(body)
	if err != nil || block != want {
		t.Fatalf("expected DATA block %d, got %d %v", want, block, err)
	}
	return addr, payload
}

// driveImageRRQ plays the RRQ-client role: send RRQ, ACK every DATA
// block including the trailing hash, and return the reassembled image
// and the final (shorter-than-512) hash payload separately.
func driveImageRRQ(t *testing.T, ft *fakeTarget, serverPrimary *net.UDPAddr, filename string) ([]byte, []byte) {
	t.Helper()
	rrq := tftpwire.EncodeRRQ(filename, tftpwire.ModeOctet)
	ft.send(t, rrq, serverPrimary)

	var image []byte
	var blocks [][]byte
	buf := make([]byte, 4+tftpwire.BlockSize)
	var srvAddr *net.UDPAddr
	for {
		ft.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		n, addr, err := ft.conn.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("target read image DATA: %v", err)
		}
		srvAddr = addr
		op, body, err := tftpwire.DecodeOpcode(buf[:n])
		if err != nil || op != tftpwire.OpDATA {
			t.Fatalf("expected DATA, got %v %v", op, err)
		}
		block, payload, err := tftpwire.DecodeDATA(body)
		if err != nil {
			t.Fatalf("decode DATA: %v", err)
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		blocks = append(blocks, cp)
		ft.send(t, tftpwire.EncodeACK(block), srvAddr)
		if len(payload) == sha256.Size && len(blocks) > 1 && len(blocks[len(blocks)-2]) < tftpwire.BlockSize {
			break
		}
	}
	hash := blocks[len(blocks)-1]
	for _, b := range blocks[:len(blocks)-1] {
		image = append(image, b...)
	}
	return image, hash
}
