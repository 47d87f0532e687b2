package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"example.com/linetap/internal/checksum"
	"example.com/linetap/internal/common"
	"example.com/linetap/internal/frame"
	"example.com/linetap/internal/logcsv"
	"example.com/linetap/internal/report"
	"example.com/linetap/internal/rules"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	switch os.Args[1] {
	case "decode":
		decodeCmd(os.Args[2:])
	case "checksum":
		checksumCmd(os.Args[2:])
	case "rules":
		rulesCmd(os.Args[2:])
	case "test":
		testCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	case "export":
		exportCmd(os.Args[2:])
	case "audit":
		auditCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`linetapctl %s (built %s) <command> [options]

Commands:
  decode    --hex <bytes> | --text <string> [--protocol <label>]
  checksum  --hex <bytes> | --text <string>
  rules     <validate|show> --file <rules.json>
  test      --rules <rules.json> (--hex <bytes> | --text <string>) [--protocol <label>]
  report    --log <daily.csv> --out <report.pdf> [--json <session.json>] [--lang en|tr]
  export    --dir <traffic-log-dir> --from <YYYY-MM-DD> --to <YYYY-MM-DD> --out <file.csv>
  audit     --file <audit.jsonl> [--rule <id>]
`, version, buildDate)
}

func samplePayload(hexData, text string) ([]byte, error) {
	switch {
	case hexData != "" && text != "":
		return nil, fmt.Errorf("--hex and --text cannot be used together")
	case hexData != "":
		data, err := hex.DecodeString(strings.ReplaceAll(hexData, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return data, nil
	case text != "":
		return []byte(text), nil
	default:
		return nil, fmt.Errorf("required: --hex or --text")
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func decodeCmd(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	hexData := fs.String("hex", "", "sample bytes as hex")
	text := fs.String("text", "", "sample bytes as text")
	protocol := fs.String("protocol", "", "protocol label (default: auto-detect)")
	fs.Parse(args)

	payload, err := samplePayload(*hexData, *text)
	if err != nil {
		fail("%v", err)
	}
	proto := frame.Protocol(*protocol)
	if *protocol == "" {
		proto = frame.Classify(payload)
	} else if !frame.Known(proto) {
		fail("unknown protocol %q", *protocol)
	}
	f := frame.Parse(proto, payload)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "protocol\t%s\n", f.Protocol)
	fmt.Fprintf(w, "valid\t%t\n", f.Valid)
	if f.Err != "" {
		fmt.Fprintf(w, "error\t%s\n", f.Err)
	}
	fmt.Fprintf(w, "raw\t%s\n", common.HexDump(f.Raw))
	fmt.Fprintf(w, "ascii\t%s\n", common.EscapedASCII(f.Raw))
	for _, field := range f.Fields {
		fmt.Fprintf(w, "%s\t%s\n", field.Key, field.Value)
	}
	w.Flush()
	if !f.Valid {
		os.Exit(1)
	}
}

func checksumCmd(args []string) {
	fs := flag.NewFlagSet("checksum", flag.ExitOnError)
	hexData := fs.String("hex", "", "payload bytes as hex")
	text := fs.String("text", "", "payload bytes as text")
	fs.Parse(args)

	payload, err := samplePayload(*hexData, *text)
	if err != nil {
		fail("%v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "bytes\t%d\n", len(payload))
	fmt.Fprintf(w, "crc16 (modbus rtu)\t%04X\n", checksum.CRC16(payload))
	fmt.Fprintf(w, "lrc (modbus ascii)\t%02X\n", checksum.LRC(payload))
	fmt.Fprintf(w, "xor (nmea 0183)\t%02X\n", checksum.XOR(payload))
	w.Flush()
}

func rulesCmd(args []string) {
	if len(args) < 1 {
		fail("usage: linetapctl rules <validate|show> --file <rules.json>")
	}
	sub := args[0]
	fs := flag.NewFlagSet("rules "+sub, flag.ExitOnError)
	file := fs.String("file", "", "rule file")
	fs.Parse(args[1:])
	if *file == "" {
		fail("required: --file")
	}
	list, err := rules.ReadRuleFile(*file)
	if err != nil {
		fail("read rules: %v", err)
	}
	set, err := rules.NewSet(list)
	if err != nil {
		fail("invalid rule set: %v", err)
	}
	switch sub {
	case "validate":
		fmt.Printf("%s: %d rules, all valid\n", *file, set.Len())
	case "show":
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tid\tenabled\tencoding\tscope\tpattern\treplacement")
		for i, r := range list {
			fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\t%s\t%s\n",
				i+1, r.ID, r.Enabled, r.Encoding, r.Scope, r.Pattern, r.Replacement)
		}
		w.Flush()
	default:
		fail("unknown rules subcommand %q", sub)
	}
}

func testCmd(args []string) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	rulesPath := fs.String("rules", "", "rule file")
	hexData := fs.String("hex", "", "sample bytes as hex")
	text := fs.String("text", "", "sample bytes as text")
	protocol := fs.String("protocol", "", "protocol label (default: auto-detect)")
	fs.Parse(args)

	if *rulesPath == "" {
		fail("required: --rules")
	}
	payload, err := samplePayload(*hexData, *text)
	if err != nil {
		fail("%v", err)
	}
	list, err := rules.ReadRuleFile(*rulesPath)
	if err != nil {
		fail("read rules: %v", err)
	}
	set, err := rules.NewSet(list)
	if err != nil {
		fail("invalid rule set: %v", err)
	}
	proto := frame.Protocol(*protocol)
	if *protocol == "" {
		proto = frame.Classify(payload)
	} else if !frame.Known(proto) {
		fail("unknown protocol %q", *protocol)
	}
	f, res, err := set.TestSample(proto, payload)
	if err != nil {
		fail("evaluate: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "protocol\t%s\n", f.Protocol)
	fmt.Fprintf(w, "valid\t%t\n", f.Valid)
	fmt.Fprintf(w, "input\t%s\n", common.HexDump(payload))
	if res.Modified {
		fmt.Fprintf(w, "matched rule\t%s\n", res.RuleID)
		fmt.Fprintf(w, "output\t%s\n", common.HexDump(res.Output))
		fmt.Fprintf(w, "checksum repaired\t%t\n", res.Repaired)
	} else {
		fmt.Fprintf(w, "matched rule\tnone\n")
	}
	w.Flush()
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	logPath := fs.String("log", "", "daily traffic CSV")
	out := fs.String("out", "session.pdf", "PDF output path")
	jsonOut := fs.String("json", "", "also save session summary JSON")
	lang := fs.String("lang", "en", "report language")
	fs.Parse(args)

	if *logPath == "" {
		fail("required: --log")
	}
	language, err := report.ParseLanguage(*lang)
	if err != nil {
		fail("%v", err)
	}
	session, err := report.BuildSession(*logPath)
	if err != nil {
		fail("build session: %v", err)
	}
	if *jsonOut != "" {
		if err := report.SaveSessionJSON(session, *jsonOut); err != nil {
			fail("write json: %v", err)
		}
	}
	if err := report.SaveSessionPDF(session, report.NewTranslator(language), *out); err != nil {
		fail("write pdf: %v", err)
	}
	fmt.Printf("%s: %d frames, digest %s\n", *out, session.Frames, session.Digest)
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dir := fs.String("dir", "", "traffic log directory")
	from := fs.String("from", "", "start date (YYYY-MM-DD)")
	to := fs.String("to", "", "end date (YYYY-MM-DD)")
	out := fs.String("out", "export.csv", "output file")
	fs.Parse(args)

	if *dir == "" || *from == "" || *to == "" {
		fail("required: --dir, --from, --to")
	}
	fromDay, err := time.Parse("2006-01-02", *from)
	if err != nil {
		fail("invalid --from: %v", err)
	}
	toDay, err := time.Parse("2006-01-02", *to)
	if err != nil {
		fail("invalid --to: %v", err)
	}
	w, err := logcsv.NewWriter(*dir, 0)
	if err != nil {
		fail("open log dir: %v", err)
	}
	defer w.Close()
	f, err := os.Create(*out)
	if err != nil {
		fail("create output: %v", err)
	}
	defer f.Close()
	if err := w.ExportRange(f, fromDay, toDay); err != nil {
		fail("export: %v", err)
	}
	fmt.Printf("exported %s .. %s to %s\n", *from, *to, *out)
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	file := fs.String("file", "", "audit trail (JSONL)")
	rule := fs.String("rule", "", "only show entries for this rule id")
	fs.Parse(args)

	if *file == "" {
		fail("required: --file")
	}
	entries, err := common.ReadAuditLog(*file)
	if err != nil {
		fail("read audit log: %v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "seq\ttime\tdirection\trule\tbefore\tafter")
	shown := 0
	for _, e := range entries {
		if *rule != "" && e.RuleID != *rule {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Ts.Format(time.RFC3339), e.Direction, e.RuleID, e.BeforeHex, e.AfterHex)
		shown++
	}
	w.Flush()
	fmt.Printf("%d of %d entries\n", shown, len(entries))
}
