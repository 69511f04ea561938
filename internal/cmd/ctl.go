package cmd

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/aep/hidbridge/apiclient"
	"github.com/aep/hidbridge/internal/config"
	"github.com/aep/hidbridge/platform"
	"github.com/aep/hidbridge/sidechannel"
)

// Ctl is the hidproxyctl command: it dials a running hidproxy-h's side
// channel over TCP and issues one control command before exiting. Each
// subcommand's Run receives *Ctl for the shared connection flags, bound in
// main via kong.Context.Bind.
type Ctl struct {
	Controller config.ControllerConfig `embed:""`

	Inject   InjectCmd   `cmd:"" help:"Inject one HID input report"`
	List     ListCmd     `cmd:"" help:"List the interfaces node H currently tracks"`
	LogLevel LogLevelCmd `cmd:"" help:"Change node H's runtime log level"`
	Desc     DescCmd     `cmd:"" help:"Fetch the report descriptor for an interface"`
	Layout   LayoutCmd   `cmd:"" help:"Fetch the recognized field layout for a report"`
	DeviceID DeviceIDCmd `cmd:"" help:"Fetch node H's persisted board id"`
}

// dial resolves the master secret (prompting interactively if no file was
// given) and board id, then connects to node H's side-channel listener.
func dial(c *Ctl) (*apiclient.Client, error) {
	master, err := loadMasterSecret(c)
	if err != nil {
		return nil, err
	}
	boardID, err := platform.LoadOrCreatePersistedBoardID(c.Controller.BoardIDFile)
	if err != nil {
		return nil, fmt.Errorf("hidproxyctl: load board id: %w", err)
	}

	transport, err := apiclient.Dial(apiclient.Config{
		Addr:         c.Controller.Addr,
		MasterSecret: master,
		BoardID:      boardID.Bytes(),
		Timeout:      c.Controller.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return apiclient.NewClient(transport), nil
}

func loadMasterSecret(c *Ctl) ([]byte, error) {
	if c.Controller.MasterSecretFile != "" {
		return os.ReadFile(c.Controller.MasterSecretFile)
	}

	fmt.Fprint(os.Stderr, "master secret: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("hidproxyctl: read master secret: %w", err)
	}
	return secret, nil
}

// InjectCmd injects one report through a resolved interface selector.
type InjectCmd struct {
	Itf    string `arg:"" help:"Interface index, or \"mouse\"/\"keyboard\" for the first mounted one"`
	Report string `arg:"" help:"Hex-encoded report bytes"`
}

func (i *InjectCmd) Run(c *Ctl, logger *slog.Logger) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	itfSel, err := resolveCLIItfSel(i.Itf)
	if err != nil {
		return err
	}
	report, err := hex.DecodeString(i.Report)
	if err != nil {
		return fmt.Errorf("hidproxyctl: bad report hex: %w", err)
	}
	return client.InjectReport(itfSel, report)
}

func resolveCLIItfSel(raw string) (uint8, error) {
	switch strings.ToLower(raw) {
	case "mouse":
		return sidechannel.ItfSelFirstMouse, nil
	case "keyboard":
		return sidechannel.ItfSelFirstKeyboard, nil
	default:
		n, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("hidproxyctl: bad interface %q: %w", raw, err)
		}
		return uint8(n), nil
	}
}

// ListCmd lists the interfaces node H currently tracks.
type ListCmd struct{}

func (l *ListCmd) Run(c *Ctl, logger *slog.Logger) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	infos, err := client.ListInterfaces()
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Printf("itf=%d devaddr=%d itf_protocol=%d hid_protocol=%d inferred=%#02x active=%t mounted=%t\n",
			info.Interface, info.DevAddr, info.ItfProtocol, info.HidProtocol, info.Inferred, info.Active, info.Mounted)
	}
	return nil
}

// LogLevelCmd changes node H's runtime log level.
type LogLevelCmd struct {
	Level string `arg:"" help:"New log level: trace, debug, info, warn, error"`
}

func (lv *LogLevelCmd) Run(c *Ctl, logger *slog.Logger) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.SetLogLevel(lv.Level)
}

// DescCmd fetches the report descriptor for an interface.
type DescCmd struct {
	Itf uint8 `arg:"" help:"Interface index"`
}

func (d *DescCmd) Run(c *Ctl, logger *slog.Logger) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	desc, truncated, err := client.GetReportDescriptor(d.Itf)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(desc))
	if truncated {
		fmt.Fprintln(os.Stderr, "hidproxyctl: descriptor truncated to fit one frame")
	}
	return nil
}

// LayoutCmd fetches the recognized field layout for one report.
type LayoutCmd struct {
	Itf      uint8 `arg:"" help:"Interface index"`
	ReportID uint8 `arg:"" default:"0" help:"Report ID, 0 if the report is unnumbered"`
}

func (l *LayoutCmd) Run(c *Ctl, logger *slog.Logger) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	layout, err := client.GetReportLayout(l.Itf, l.ReportID)
	if err != nil {
		return err
	}
	fmt.Printf("kind=%s has_id=%t total_bits=%d\n", layout.Kind, layout.HasID, layout.TotalBits)
	fmt.Printf("buttons=%+v x=%+v y=%+v wheel=%+v key_array=%+v modifiers=%+v\n",
		layout.Buttons, layout.X, layout.Y, layout.Wheel, layout.KeyArray, layout.Modifiers)
	return nil
}

// DeviceIDCmd fetches node H's persisted board id.
type DeviceIDCmd struct{}

func (dv *DeviceIDCmd) Run(c *Ctl, logger *slog.Logger) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := client.GetDeviceID()
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(id))
	return nil
}
