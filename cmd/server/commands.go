// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/media-engine/pkg/config"
	"github.com/livekit/media-engine/pkg/rtcpreceiver"
	"github.com/livekit/media-engine/pkg/simulation"
	"github.com/livekit/media-engine/pkg/tmmbr"
)

var errMissingFile = errors.New("no packet file given")

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}

func printReport(report *simulation.Report) {
	b, err := yaml.Marshal(report)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Print(string(b))
}

func dumpRTCP(c *cli.Context) error {
	file := c.Args().First()
	if file == "" {
		return errMissingFile
	}

	buf, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	fmt.Printf("%s, %s\n", file, humanize.Bytes(uint64(len(buf))))
	return writeBlocks(os.Stdout, buf, c.Bool("non-compound"))
}

func writeBlocks(w io.Writer, buf []byte, allowNonCompound bool) error {
	parser, err := rtcpreceiver.NewParser(buf, allowNonCompound)
	if err != nil {
		return errors.Wrap(err, "could not parse packet")
	}

	table := tablewriter.NewWriter(w)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"#", "Type", "Sender", "Media", "Details"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER, tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_LEFT,
	})

	i := 0
	for {
		block, ok := parser.Iterate()
		if !ok {
			break
		}
		sender, media, details := describeBlock(block)
		table.Append([]string{strconv.Itoa(i), block.Kind().String(), sender, media, details})
		i++
	}
	table.Render()
	return nil
}

func ssrc(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

func describeBlock(block rtcpreceiver.Block) (sender, media, details string) {
	switch b := block.(type) {
	case *rtcpreceiver.SkippedBlock:
		details = b.Err.Error()
	case *rtcpreceiver.SenderReportBlock:
		sender = ssrc(b.SSRC)
		details = fmt.Sprintf("%s packets, %s\n%d report blocks",
			humanize.Comma(int64(b.PacketCount)), humanize.Bytes(uint64(b.OctetCount)), len(b.Reports))
	case *rtcpreceiver.ReceiverReportBlock:
		sender = ssrc(b.SSRC)
		details = fmt.Sprintf("%d report blocks", len(b.Reports))
	case *rtcpreceiver.SDESBlock:
		var items []string
		for _, chunk := range b.Chunks {
			for _, item := range chunk.Items {
				items = append(items, fmt.Sprintf("%s=%s (%s)", item.Type, item.Text, ssrc(chunk.Source)))
			}
		}
		details = strings.Join(items, "\n")
	case *rtcpreceiver.ByeBlock:
		details = fmt.Sprintf("%d sources", len(b.Sources))
	case *rtcpreceiver.NACKBlock:
		sender, media = ssrc(b.SenderSSRC), ssrc(b.MediaSSRC)
		n := 0
		for _, pair := range b.Nacks {
			n += len(pair.PacketList())
		}
		details = fmt.Sprintf("%d packets", n)
	case *rtcpreceiver.PLIBlock:
		sender, media = ssrc(b.SenderSSRC), ssrc(b.MediaSSRC)
	case *rtcpreceiver.FIRBlock:
		sender, media = ssrc(b.SenderSSRC), ssrc(b.MediaSSRC)
		details = fmt.Sprintf("%d entries", len(b.FIR))
	case *rtcpreceiver.REMBBlock:
		sender = ssrc(b.SenderSSRC)
		details = fmt.Sprintf("%sbps", humanize.SIWithDigits(float64(b.Bitrate), 2, ""))
	case *rtcpreceiver.TMMBRBlock:
		sender, media = ssrc(b.SenderSSRC), ssrc(b.MediaSSRC)
		details = describeItems(b.Items)
	case *rtcpreceiver.TMMBNBlock:
		sender, media = ssrc(b.SenderSSRC), ssrc(b.MediaSSRC)
		details = describeItems(b.Items)
	case *rtcpreceiver.SRReqBlock:
		sender, media = ssrc(b.SenderSSRC), ssrc(b.MediaSSRC)
	case *rtcpreceiver.RPSIBlock:
		sender, media = ssrc(b.SenderSSRC), ssrc(b.MediaSSRC)
		if id, ok := b.PictureID(); ok {
			details = fmt.Sprintf("picture %d", id)
		}
	case *rtcpreceiver.ExtendedJitterBlock:
		details = fmt.Sprintf("%v", b.Jitters)
	case *rtcpreceiver.XRVoIPBlock:
		sender = ssrc(b.OriginatorSSRC)
		details = fmt.Sprintf("%d metrics", len(b.Metrics))
	case *rtcpreceiver.AppBlock:
		sender = ssrc(b.SSRC)
		details = fmt.Sprintf("%s, %s", string(b.Name[:]), humanize.Bytes(uint64(len(b.Data))))
	}
	return
}

func describeItems(items []tmmbr.Item) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("%s: %d kbps, overhead %d", ssrc(item.SSRC), item.BitrateKbit, item.PacketOverhead))
	}
	return strings.Join(lines, "\n")
}
