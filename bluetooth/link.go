package bluetooth

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
)

// Links reports the state of the network interfaces PAN sessions bind to.
type Links interface {
	InterfaceUp(name string) (bool, error)
	// Removed delivers the names of deleted links until ctx is done.
	Removed(ctx context.Context) (<-chan string, error)
}

// NetlinkLinks implements Links with rtnetlink.
type NetlinkLinks struct{}

func (NetlinkLinks) InterfaceUp(name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", name, err)
	}
	return link.Attrs().Flags&net.FlagUp != 0, nil
}

func (NetlinkLinks) Removed(ctx context.Context) (<-chan string, error) {
	linkUpdates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})

	if err := netlink.LinkSubscribe(linkUpdates, done); err != nil {
		return nil, fmt.Errorf("failed to subscribe to link updates: %w", err)
	}

	removed := make(chan string)
	go func() {
		defer close(removed)
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-linkUpdates:
				if !ok {
					return
				}
				if update.Header.Type != syscall.RTM_DELLINK {
					continue
				}
				select {
				case removed <- update.Link.Attrs().Name:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return removed, nil
}
