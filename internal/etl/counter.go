package etl

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/raaihank/salesdash/internal/source"
)

const countBufferSize = 64 * 1024

// LineCount is the result of pre-scanning one input
type LineCount struct {
	Lines    int64  // non-blank lines, header included
	Bytes    int64  // decoded bytes read
	Checksum string // xxh3 of the decoded stream, hex
}

// DataRows is the number of lines after the header
func (c LineCount) DataRows() int64 {
	if c.Lines <= 1 {
		return 0
	}
	return c.Lines - 1
}

// CountLines streams src once in constant memory and counts its lines.
// Blank lines are ignored because the CSV reader skips them too. A quoted
// field spanning several lines is counted once per physical line.
func CountLines(ctx context.Context, src source.Source) (LineCount, error) {
	rc, err := source.OpenText(ctx, src)
	if err != nil {
		return LineCount{}, err
	}
	defer rc.Close()

	var (
		count      LineCount
		hasContent bool
		hasher     = xxh3.New()
		buf        = make([]byte, countBufferSize)
	)

	for {
		if err := ctx.Err(); err != nil {
			return LineCount{}, err
		}

		n, err := rc.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			hasher.Write(chunk)
			count.Bytes += int64(n)

			for _, b := range chunk {
				switch b {
				case '\n':
					if hasContent {
						count.Lines++
					}
					hasContent = false
				case '\r':
				default:
					hasContent = true
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return LineCount{}, fmt.Errorf("count lines in %s: %w", src.Name(), err)
		}
	}

	if hasContent {
		count.Lines++
	}
	count.Checksum = strconv.FormatUint(hasher.Sum64(), 16)

	return count, nil
}

// totalBatches is ceil(rows / batchSize)
func totalBatches(rows int64, batchSize int) int {
	if rows <= 0 || batchSize <= 0 {
		return 0
	}
	return int((rows + int64(batchSize) - 1) / int64(batchSize))
}
