// Command vhid runs a virtual USB FIDO authenticator: CTAPHID over USB/IP,
// backed by a PKCS#11 token and an external consent prompt.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctapgo/vhid/internal/config"
	"github.com/ctapgo/vhid/internal/credential"
	"github.com/ctapgo/vhid/internal/ctap2"
	"github.com/ctapgo/vhid/internal/ctaphid"
	"github.com/ctapgo/vhid/internal/eventloop"
	"github.com/ctapgo/vhid/internal/hid"
	"github.com/ctapgo/vhid/internal/obslog"
	"github.com/ctapgo/vhid/internal/pkcs11token"
	"github.com/ctapgo/vhid/internal/prompt"
	"github.com/ctapgo/vhid/internal/u2f"
	"github.com/ctapgo/vhid/internal/usb"
	"github.com/ctapgo/vhid/internal/usbip"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config.Config

	root := &cobra.Command{
		Use:   "vhid",
		Short: "virtual USB FIDO authenticator (CTAPHID over USB/IP)",
	}
	config.RegisterFlags(root.PersistentFlags(), &cfg)

	root.AddCommand(newServeCmd(&cfg))
	root.AddCommand(newSelftestCmd(&cfg))
	return root
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the authenticator, listening for USB/IP connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newSelftestCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "exercise the CTAPHID framer against a loopback pair, no socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest(cfg)
		},
	}
}

// buildAuthenticator opens the PKCS#11 token and wires the U2F/CTAP2
// handlers and CTAPHID framer shared by both serve and selftest.
func buildAuthenticator(cfg *config.Config, log *obslog.Logger) (*pkcs11token.Token, *ctaphid.Framer, error) {
	aaguid, err := cfg.AAGUID()
	if err != nil {
		return nil, nil, err
	}

	tok, err := pkcs11token.Open(pkcs11token.Config{
		ModulePath:           cfg.PKCS11ModulePath,
		SlotID:               cfg.PKCS11SlotID,
		PIN:                  cfg.PKCS11PIN,
		AttestationCertLabel: cfg.AttestationCertLabel,
		AttestationKeyLabel:  cfg.AttestationKeyLabel,
		DeviceSecretLabel:    cfg.DeviceSecretLabel,
	}, log.With("pkcs11"))
	if err != nil {
		return nil, nil, fmt.Errorf("open pkcs11 token: %w", err)
	}

	secret, err := tok.DeviceSecret()
	if err != nil {
		tok.Close()
		return nil, nil, fmt.Errorf("derive device secret: %w", err)
	}
	signer := credential.NewHMACSigner(secret)

	prompter := prompt.NewCLI()
	prompter.Timeout = cfg.PromptTimeout

	u2fHandler := u2f.NewHandler(tok, prompter, signer, log.With("u2f"))
	ctap2Handler, err := ctap2.NewHandler(ctap2.Config{AAGUID: aaguid}, tok, tok, prompter, signer, log.With("ctap2"))
	if err != nil {
		tok.Close()
		return nil, nil, fmt.Errorf("build ctap2 handler: %w", err)
	}

	framer := ctaphid.NewFramer(u2fHandler, ctap2Handler, ctaphid.NewCIDAllocator(), log.With("ctaphid"))
	return tok, framer, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := obslog.New("vhid", obslog.LevelInfo)

	tok, framer, err := buildAuthenticator(cfg, log)
	if err != nil {
		return err
	}
	defer tok.Close()

	dev := usb.NewDevice(hid.ReportDescriptor(), "ctapgo", "vhid virtual authenticator", "0001")
	usbEngine := usb.NewEngine(dev)
	loop := eventloop.New(usbEngine, framer, log.With("eventloop"))
	server := usbip.New(dev, loop, cfg.BusID, log.With("usbip"))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("vhid: serving bus-id %s on %s", cfg.BusID, cfg.ListenAddr)
	return server.ListenAndServe(ctx, cfg.ListenAddr)
}

// runSelftest drives the CTAPHID state machine directly, with no USB/IP
// socket or eventloop: an INIT handshake, a PING round trip, and a CTAP2
// GetInfo call, failing loudly if any leg doesn't come back clean.
func runSelftest(cfg *config.Config) error {
	log := obslog.New("vhid-selftest", obslog.LevelInfo)

	tok, framer, err := buildAuthenticator(cfg, log)
	if err != nil {
		return err
	}
	defer tok.Close()

	if err := framer.HandleOutPacket(initPacket()); err != nil {
		return fmt.Errorf("selftest: send INIT: %w", err)
	}
	initReply, ok := drainFrameWithin(framer, time.Second)
	if !ok {
		return fmt.Errorf("selftest: no INIT reply")
	}
	cid, err := parseInitReply(initReply)
	if err != nil {
		return fmt.Errorf("selftest: %w", err)
	}
	fmt.Printf("INIT: assigned channel %#08x\n", cid)

	if err := framer.HandleOutPacket(pingPacket(cid, []byte("selftest"))); err != nil {
		return fmt.Errorf("selftest: send PING: %w", err)
	}
	pingReply, ok := drainFrameWithin(framer, time.Second)
	if !ok {
		return fmt.Errorf("selftest: no PING reply")
	}
	fmt.Printf("PING: echoed %d bytes\n", len(framePayload(pingReply)))

	if err := framer.HandleOutPacket(cborPacket(cid, []byte{0x04})); err != nil {
		return fmt.Errorf("selftest: send GetInfo: %w", err)
	}
	infoReply, ok := drainFrameWithin(framer, 2*time.Second)
	if !ok {
		return fmt.Errorf("selftest: no GetInfo reply")
	}
	payload := framePayload(infoReply)
	if len(payload) == 0 || payload[0] != 0x00 {
		return fmt.Errorf("selftest: GetInfo returned status %#x", payload[0])
	}
	bcnt := int(infoReply[5])<<8 | int(infoReply[6])
	fmt.Printf("GetInfo: ok, %d bytes of CBOR\n", bcnt-1)

	return nil
}

func drainFrameWithin(framer *ctaphid.Framer, timeout time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if frame, ok := framer.DrainFrame(); ok {
			return frame, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// framePayload strips the 7-byte INIT packet header (CID, CMD, BCNTH,
// BCNTL) and returns the payload bytes carried in that one packet. The INIT
// (17 bytes) and PING (8 bytes) replies fit in one packet; the GetInfo reply
// is longer, so only the part in its first packet is returned.
func framePayload(frame []byte) []byte {
	if len(frame) < 7 {
		return nil
	}
	bcnt := int(frame[5])<<8 | int(frame[6])
	end := 7 + bcnt
	if end > len(frame) {
		end = len(frame)
	}
	return frame[7:end]
}

func initPacket() []byte {
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	return buildInitPacket(ctaphid.CIDBroadcast, ctaphid.CmdInit, nonce)
}

func pingPacket(cid uint32, data []byte) []byte {
	return buildInitPacket(cid, ctaphid.CmdPing, data)
}

func cborPacket(cid uint32, data []byte) []byte {
	return buildInitPacket(cid, ctaphid.CmdCbor, data)
}

// buildInitPacket assembles a single INIT-type CTAPHID packet; selftest
// never needs CONT packets since none of its payloads exceed the packet's
// data capacity.
func buildInitPacket(cid uint32, cmd byte, payload []byte) []byte {
	pkt := make([]byte, ctaphid.PacketSize)
	pkt[0] = byte(cid >> 24)
	pkt[1] = byte(cid >> 16)
	pkt[2] = byte(cid >> 8)
	pkt[3] = byte(cid)
	pkt[4] = cmd | 0x80
	pkt[5] = byte(len(payload) >> 8)
	pkt[6] = byte(len(payload))
	copy(pkt[7:], payload)
	return pkt
}

func parseInitReply(frame []byte) (uint32, error) {
	payload := framePayload(frame)
	if len(payload) < 17 {
		return 0, fmt.Errorf("INIT reply too short: %d bytes", len(payload))
	}
	cid := uint32(payload[8])<<24 | uint32(payload[9])<<16 | uint32(payload[10])<<8 | uint32(payload[11])
	return cid, nil
}
