package irc

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lrstanley/girc"
)

const (
	capMultiline       = "draft/multiline"
	tagMultilineConcat = "draft/multiline-concat"
	tagBatch           = "batch"
	cmdBATCH           = "BATCH"
)

// multilineCaps holds server-advertised limits for draft/multiline.
// Zero means no limit is known.
type multilineCaps struct {
	maxBytes int
	maxLines int
}

// batchLine is one PRIVMSG of a batch. concat joins it to the previous
// line without a newline.
type batchLine struct {
	text   string
	concat bool
}

// parseMultilineCaps reads a value such as "max-bytes=4096,max-lines=24".
func parseMultilineCaps(value string) multilineCaps {
	var caps multilineCaps
	for _, token := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		switch k {
		case "max-bytes":
			caps.maxBytes, _ = strconv.Atoi(v)
		case "max-lines":
			caps.maxLines, _ = strconv.Atoi(v)
		}
	}
	return caps
}

// extractMultilineCaps finds draft/multiline in a CAP LS list.
func extractMultilineCaps(capList string) (multilineCaps, bool) {
	for _, part := range strings.Fields(capList) {
		name, value, _ := strings.Cut(part, "=")
		if name == capMultiline {
			return parseMultilineCaps(value), true
		}
	}
	return multilineCaps{}, false
}

// planBatches splits body into batches that respect the server limits.
// Lines longer than perLine are cut into concat continuations; a single
// line longer than maxBytes is truncated.
func planBatches(body string, caps multilineCaps, perLine int) [][]batchLine {
	var batches [][]batchLine
	var cur []batchLine
	curBytes, curLines := 0, 0

	flush := func() {
		if len(cur) > 0 {
			batches = append(batches, cur)
		}
		cur, curBytes, curLines = nil, 0, 0
	}

	for _, line := range strings.Split(body, "\n") {
		size := len(line)
		if curLines > 0 {
			size++ // newline separator
		}
		if curLines > 0 && ((caps.maxLines > 0 && curLines >= caps.maxLines) ||
			(caps.maxBytes > 0 && curBytes+size > caps.maxBytes)) {
			flush()
			size = len(line)
		}
		if caps.maxBytes > 0 && size > caps.maxBytes {
			line = line[:runeBoundary(line, caps.maxBytes)]
			size = len(line)
		}

		first := true
		for first || line != "" {
			cut := runeBoundary(line, perLine)
			cur = append(cur, batchLine{text: line[:cut], concat: !first})
			line = line[cut:]
			first = false
		}
		curBytes += size
		curLines++
	}
	flush()
	return batches
}

// sendMultiline sends body to target as one or more draft/multiline
// batches.
func sendMultiline(client *girc.Client, target, body string, caps multilineCaps) {
	for _, batch := range planBatches(body, caps, maxLineBytes) {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		client.Send(&girc.Event{
			Command: cmdBATCH,
			Params:  []string{"+" + id, capMultiline, target},
		})
		for _, line := range batch {
			tags := girc.Tags{tagBatch: id}
			if line.concat {
				tags[tagMultilineConcat] = ""
			}
			client.Send(&girc.Event{
				Command: girc.PRIVMSG,
				Params:  []string{target, line.text},
				Tags:    tags,
			})
		}
		client.Send(&girc.Event{
			Command: cmdBATCH,
			Params:  []string{"-" + id},
		})
	}
}

// multilineFailCode returns the code of a FAIL BATCH MULTILINE_* reply.
func multilineFailCode(e girc.Event) (string, bool) {
	if e.Command != "FAIL" || len(e.Params) < 2 || e.Params[0] != cmdBATCH {
		return "", false
	}
	if strings.HasPrefix(e.Params[1], "MULTILINE_") {
		return e.Params[1], true
	}
	return "", false
}
