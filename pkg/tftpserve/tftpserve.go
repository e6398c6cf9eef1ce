// Package tftpserve makes chunk files fetchable over TFTP. The embedded
// variant owns a server for the duration of one run; the external variant
// only stages files into the root directory of a server somebody else
// runs. Both guarantee that a chunk is fetchable by the time MakeFetchable
// returns.
package tftpserve

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/pin/tftp/v3"

	"github.com/uboot-tools/ubflash/pkg/chunker"
)

// DefaultListenAddr is the well-known TFTP port. Binding it usually
// requires elevated privilege.
const DefaultListenAddr = ":69"

const transferTimeout = 5 * time.Second

// ErrPrivilege means the embedded server could not bind its port.
// Surfaced at startup, never per chunk.
var ErrPrivilege = errors.New("cannot bind TFTP listen port")

// Endpoint describes where a published chunk can be fetched from.
type Endpoint struct {
	Host     string
	Port     int
	Root     string
	Filename string
}

// Publisher is the one capability both variants implement.
type Publisher interface {
	MakeFetchable(c chunker.Chunk) (Endpoint, error)
	Close() error
}

// EmbeddedServer serves read requests for files in its root directory and
// owns the listener for the duration of one flashing run.
type EmbeddedServer struct {
	host string
	port int
	root string
	srv  *tftp.Server
}

// NewEmbedded binds listenAddr (DefaultListenAddr when empty) and starts
// serving root. host is the address advertised in returned endpoints; the
// board reaches us through its serverip environment variable either way.
func NewEmbedded(root, listenAddr, host string) (*EmbeddedServer, error) {
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("bad listen address %q: %v", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %q: %v (the well-known port needs elevated privilege)", ErrPrivilege, listenAddr, err)
		}
		return nil, fmt.Errorf("%w: %q: %v", ErrPrivilege, listenAddr, err)
	}

	srv := tftp.NewServer(readHandler(root), nil)
	srv.SetTimeout(transferTimeout)
	go func() {
		if serr := srv.Serve(conn); serr != nil {
			glog.V(1).Infof("TFTP server stopped: %v", serr)
		}
	}()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	glog.Infof("Embedded TFTP server listening on %s (root %s)", conn.LocalAddr(), root)
	return &EmbeddedServer{
		host: host,
		port: port,
		root: root,
		srv:  srv,
	}, nil
}

func readHandler(root string) func(filename string, rf io.ReaderFrom) error {
	return func(filename string, rf io.ReaderFrom) error {
		// Serve flat filenames only; the boot loader asks for the bare
		// chunk name.
		path := filepath.Join(root, filepath.Base(filename))
		f, err := os.Open(path)
		if err != nil {
			glog.Warningf("TFTP read request for %q: %v", filename, err)
			return err
		}
		defer f.Close()
		if st, err := f.Stat(); err == nil {
			if ot, ok := rf.(tftp.OutgoingTransfer); ok {
				ot.SetSize(st.Size())
			}
		}
		n, err := rf.ReadFrom(f)
		if err != nil {
			glog.Warningf("TFTP transfer of %q failed after %d bytes: %v", filename, n, err)
			return err
		}
		glog.V(1).Infof("Served %q: %d bytes", filename, n)
		return nil
	}
}

func (s *EmbeddedServer) MakeFetchable(c chunker.Chunk) (Endpoint, error) {
	name, err := stageChunk(s.root, c)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: s.host, Port: s.port, Root: s.root, Filename: name}, nil
}

// Close stops the embedded server. Transfers in flight are cut off.
func (s *EmbeddedServer) Close() error {
	s.srv.Shutdown()
	return nil
}

// ExternalRoot stages chunks into the root directory of an externally
// managed TFTP server. It does not own the server's lifecycle.
type ExternalRoot struct {
	host string
	root string
}

func NewExternal(root, host string) (*ExternalRoot, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("TFTP root %q: %v", root, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("TFTP root %q is not a directory", root)
	}
	glog.Infof("Using external TFTP root %s", root)
	return &ExternalRoot{host: host, root: root}, nil
}

func (e *ExternalRoot) MakeFetchable(c chunker.Chunk) (Endpoint, error) {
	name, err := stageChunk(e.root, c)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: e.host, Port: 69, Root: e.root, Filename: name}, nil
}

func (e *ExternalRoot) Close() error {
	return nil
}

// stageChunk copies the chunk file into the served root and syncs it, so
// the file is complete on disk before any endpoint for it exists.
func stageChunk(root string, c chunker.Chunk) (string, error) {
	name := filepath.Base(c.Path)
	dst := filepath.Join(root, name)
	if sameFile(c.Path, dst) {
		return name, nil
	}

	src, err := os.Open(c.Path)
	if err != nil {
		return "", fmt.Errorf("cannot open chunk %d at %q: %v", c.Index, c.Path, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("cannot create %q in TFTP root: %v", dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("cannot copy chunk %d into TFTP root: %v", c.Index, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", fmt.Errorf("cannot sync %q: %v", dst, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("cannot close %q: %v", dst, err)
	}
	return name, nil
}

func sameFile(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}
