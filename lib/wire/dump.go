package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ValentinKolb/kvcheck/lib/common"
)

// --------------------------------------------------------------------------
// Dump records
// --------------------------------------------------------------------------

// Entry is a single key-value pair of a dump
type Entry struct {
	Key   string
	Value []byte
}

// BucketRecord is a bucket marker followed by its entries
type BucketRecord struct {
	Bucket  int
	Entries []Entry
}

// Dump is the parsed snapshot the server writes on DUMP. Buckets keep the
// order of the file.
type Dump struct {
	Buckets []BucketRecord
}

// State flattens the dump into a key-value map
func (d *Dump) State() map[string][]byte {
	state := make(map[string][]byte)
	for _, b := range d.Buckets {
		for _, e := range b.Entries {
			state[e.Key] = e.Value
		}
	}
	return state
}

// Len returns the number of entries in the dump
func (d *Dump) Len() int {
	n := 0
	for _, b := range d.Buckets {
		n += len(b.Entries)
	}
	return n
}

// --------------------------------------------------------------------------
// Parser
// --------------------------------------------------------------------------

// dumpReader tracks the offset for error messages
type dumpReader struct {
	r      *bufio.Reader
	name   string
	offset int64
}

func (d *dumpReader) errorf(format string, args ...any) error {
	return common.Errorf(common.KindIntegrity, "Error parsing %s: "+format, append([]any{d.name}, args...)...)
}

// ParseDumpFile opens and parses a dump file
func ParseDumpFile(path string) (*Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump: %w", err)
	}
	defer f.Close()

	return ParseDump(f, path)
}

// ParseDump parses a dump. Every key must be stored in the bucket its hash
// maps to, no key may appear twice and all values must be valid UTF-8.
// Violations are reported as integrity errors. name is only used for
// messages.
func ParseDump(r io.Reader, name string) (*Dump, error) {
	d := &dumpReader{r: bufio.NewReader(r), name: name}
	dump := &Dump{}
	seen := make(map[string]struct{})
	var current *BucketRecord

	for {
		line, err := d.r.ReadString('\n')
		d.offset += int64(len(line))
		if errors.Is(err, io.EOF) {
			if line == "" {
				break
			}
			return nil, d.errorf("Expected newline at %d", d.offset)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read dump: %w", err)
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			return nil, d.errorf("Empty line at offset %d", d.offset)
		}

		switch fields[0] {
		case "B":
			if len(fields) != 2 {
				return nil, d.errorf("Malformed bucket line at offset %d", d.offset)
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 0 || n >= NumBuckets {
				return nil, d.errorf("Invalid bucket %q at offset %d", fields[1], d.offset)
			}
			dump.Buckets = append(dump.Buckets, BucketRecord{Bucket: n})
			current = &dump.Buckets[len(dump.Buckets)-1]

		case "K":
			if len(fields) != 3 {
				return nil, d.errorf("Malformed key line at offset %d", d.offset)
			}
			if current == nil {
				return nil, d.errorf("Key %s at offset %d is not in a bucket",
					common.PrintableString(fields[1], 128), d.offset)
			}
			key := fields[1]
			size, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil || size < 0 {
				return nil, d.errorf("Invalid value size %q for key %s", fields[2], common.PrintableString(key, 128))
			}

			value := make([]byte, size)
			if _, err := io.ReadFull(d.r, value); err != nil {
				return nil, d.errorf("Value of key %s is truncated", common.PrintableString(key, 128))
			}
			d.offset += size
			if !utf8.Valid(value) {
				return nil, d.errorf("Value for %s was not valid unicode: %s.\n"+
					"Make sure your keys are null-terminated and value and value_size are set correctly",
					common.PrintableString(key, 128), common.Printable(value, 128))
			}

			nl, err := d.r.ReadByte()
			d.offset++
			if err != nil || nl != '\n' {
				return nil, d.errorf("Expected newline at %d", d.offset)
			}

			if correct := BucketOf(key); int(correct) != current.Bucket {
				return nil, d.errorf("Key \"%s\" should be in bucket %d but was found in %d.",
					common.PrintableString(key, 128), correct, current.Bucket)
			}
			if _, dup := seen[key]; dup {
				return nil, d.errorf("Duplicate key %s", common.PrintableString(key, 128))
			}
			seen[key] = struct{}{}
			current.Entries = append(current.Entries, Entry{Key: key, Value: value})

		default:
			return nil, d.errorf("Unexpected line type %s at offset %d", fields[0], d.offset)
		}
	}

	Logger.Debugf("parsed dump %s: %d buckets, %d keys", name, len(dump.Buckets), len(seen))
	return dump, nil
}

// WriteDump writes a dump in the server's format. Only buckets present in
// dump are written.
func WriteDump(w io.Writer, dump *Dump) error {
	bw := bufio.NewWriter(w)
	for _, b := range dump.Buckets {
		if _, err := fmt.Fprintf(bw, "B %d\n", b.Bucket); err != nil {
			return err
		}
		for _, e := range b.Entries {
			if _, err := fmt.Fprintf(bw, "K %s %d\n", e.Key, len(e.Value)); err != nil {
				return err
			}
			if _, err := bw.Write(e.Value); err != nil {
				return err
			}
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
