// Package noiseconn wraps a stream in a Noise XX secure channel.
package noiseconn

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
)

// maxPlaintext keeps each sealed frame within a Noise message.
const maxPlaintext = noise.MaxMsgLen - 16

var suite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// GenerateKeypair returns a fresh static Curve25519 keypair.
func GenerateKeypair() (noise.DHKey, error) {
	return suite.GenerateKeypair(rand.Reader)
}

// SecureConn is a net.Conn whose payload is sealed with Noise cipher
// states. Each Write becomes one or more length-prefixed frames.
type SecureConn struct {
	net.Conn

	readCS  *noise.CipherState
	writeCS *noise.CipherState
	remote  []byte

	rmu     sync.Mutex
	pending []byte

	wmu sync.Mutex
}

// RemoteStatic is the peer's static public key learned in the handshake.
func (c *SecureConn) RemoteStatic() []byte { return c.remote }

// Read returns decrypted bytes, buffering what does not fit in p.
func (c *SecureConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(c.pending) == 0 {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > noise.MaxMsgLen {
			return 0, fmt.Errorf("noiseconn: invalid frame length %d", n)
		}
		ct := make([]byte, n)
		if _, err := io.ReadFull(c.Conn, ct); err != nil {
			return 0, err
		}
		pt, err := c.readCS.Decrypt(nil, nil, ct)
		if err != nil {
			return 0, err
		}
		c.pending = pt
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *SecureConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		ct, err := c.writeCS.Encrypt(nil, nil, chunk)
		if err != nil {
			return written, err
		}
		frame := make([]byte, 4+len(ct))
		binary.BigEndian.PutUint32(frame, uint32(len(ct)))
		copy(frame[4:], ct)
		if _, err := c.Conn.Write(frame); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Client runs the XX handshake as initiator.
func Client(ctx context.Context, conn net.Conn, static noise.DHKey) (*SecureConn, error) {
	return handshake(ctx, conn, static, true)
}

// Server runs the XX handshake as responder.
func Server(ctx context.Context, conn net.Conn, static noise.DHKey) (*SecureConn, error) {
	return handshake(ctx, conn, static, false)
}

func handshake(ctx context.Context, conn net.Conn, static noise.DHKey, initiator bool) (*SecureConn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   suite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	var cs1, cs2 *noise.CipherState
	// XX: -> e; <- e, ee, s, es; -> s, se
	for step := 0; step < 3; step++ {
		ourTurn := (step%2 == 0) == initiator
		if ourTurn {
			var msg []byte
			msg, cs1, cs2, err = hs.WriteMessage(nil, nil)
			if err == nil {
				err = writeHandshakeMsg(conn, msg)
			}
		} else {
			var msg []byte
			msg, err = readHandshakeMsg(conn)
			if err == nil {
				_, cs1, cs2, err = hs.ReadMessage(nil, msg)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("noise handshake step %d: %w", step+1, err)
		}
	}
	if cs1 == nil || cs2 == nil {
		return nil, errors.New("noise handshake did not complete")
	}

	sc := &SecureConn{Conn: conn, remote: hs.PeerStatic()}
	// cs1 seals initiator to responder traffic
	if initiator {
		sc.writeCS, sc.readCS = cs1, cs2
	} else {
		sc.readCS, sc.writeCS = cs1, cs2
	}
	return sc, nil
}
