package main

import (
	"fmt"
	"strconv"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/luca-patrignani/p2p-ledger/ledger"
	"github.com/luca-patrignani/p2p-ledger/node"
)

func printBanner() {
	_ = pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("P2P", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("Ledger", pterm.FgDarkGray.ToStyle()),
	).Render()
}

func formatTimestamp(ts ledger.Timestamp) string {
	t, ok := ts.Time()
	if !ok {
		return ts.String()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func blockBody(b ledger.Block) string {
	return pterm.Sprintfln("Hash: %s", b.Hash) +
		pterm.Sprintfln("Previous: %s", b.PrevHash) +
		pterm.Sprintfln("Time: %s", formatTimestamp(b.Timestamp)) +
		pterm.Sprintf("Data: %s", pterm.LightCyan(b.Data))
}

func chainTableData(chain []ledger.Block) pterm.TableData {
	data := pterm.TableData{{"#", "Hash", "Previous", "Time", "Data"}}
	for _, b := range chain {
		data = append(data, []string{
			strconv.FormatUint(uint64(b.Index), 10),
			b.Hash.Short(),
			b.PrevHash.Short(),
			formatTimestamp(b.Timestamp),
			b.Data,
		})
	}
	return data
}

func peerItems(peers []string) []pterm.BulletListItem {
	items := make([]pterm.BulletListItem, len(peers))
	for i, p := range peers {
		items[i] = pterm.BulletListItem{Level: 0, Text: p}
	}
	return items
}

func printBlock(b ledger.Block) {
	title := pterm.LightYellow(fmt.Sprintf("|BLOCK %d|", b.Index))
	pterm.DefaultBox.WithHorizontalPadding(4).WithTitle(title).WithTitleTopCenter().Println(blockBody(b))
}

func printChain(chain []ledger.Block) {
	if err := pterm.DefaultTable.WithHasHeader().WithData(chainTableData(chain)).Render(); err != nil {
		pterm.Error.Println(err)
	}
}

func printPeers(peers []string) {
	if len(peers) == 0 {
		pterm.Info.Println("No peers yet")
		return
	}
	if err := pterm.DefaultBulletList.WithItems(peerItems(peers)).Render(); err != nil {
		pterm.Error.Println(err)
	}
}

// attachConsole renders the node events on the terminal.
func attachConsole(bus evbus.Bus) error {
	subscriptions := map[string]any{
		node.TopicTip: func(b ledger.Block) {
			pterm.Success.Printfln("New tip #%d %s: %s", b.Index, b.Hash.Short(), b.Data)
		},
		node.TopicLatest: printBlock,
		node.TopicChain:  printChain,
		node.TopicPeers:  printPeers,
		node.TopicNotice: func(text string) {
			pterm.Info.Println(text)
		},
	}
	for topic, fn := range subscriptions {
		if err := bus.Subscribe(topic, fn); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	return nil
}
