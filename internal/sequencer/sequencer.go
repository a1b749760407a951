package sequencer

import (
	"sort"
	"strings"

	"github.com/opsbridge/ticketbridge/internal/platform"
)

type ItemKind int

const (
	// Tie-break order at equal timestamps: helpdesk items first, then cloud
	// updates, then cloud files.
	KindHelpdeskConversation ItemKind = iota
	KindCloudUpdate
	KindCloudFile
)

func (k ItemKind) String() string {
	switch k {
	case KindHelpdeskConversation:
		return "helpdesk-conversation"
	case KindCloudUpdate:
		return "cloud-update"
	case KindCloudFile:
		return "cloud-file"
	default:
		return "unknown"
	}
}

// Item is one candidate in the replay sequence.
type Item struct {
	Kind         ItemKind
	Conversation platform.Conversation
	Update       platform.CaseUpdate
	File         platform.CaseFile
}

func (it Item) id() string {
	switch it.Kind {
	case KindHelpdeskConversation:
		return it.Conversation.ID
	case KindCloudUpdate:
		return it.Update.ID
	default:
		return it.File.ID
	}
}

func (it Item) createdAt() (t int64) {
	switch it.Kind {
	case KindHelpdeskConversation:
		return it.Conversation.CreatedAt.UnixNano()
	case KindCloudUpdate:
		return it.Update.CreatedAt.UnixNano()
	default:
		return it.File.CreatedAt.UnixNano()
	}
}

// Plan is the merged ascending replay sequence for one cycle.
type Plan struct {
	Items []Item
	// Limited reports that helpdesk paging stopped at the conversation cap,
	// so the plan is a prefix of the real backlog.
	Limited bool
}

// attachmentNoticePrefix opens the cloud's auto-generated note when a file
// lands on a case. Those notices are never replayed.
const attachmentNoticePrefix = "Attachment added:"

// Builder assembles the candidate set. Construct it with the cloud state,
// feed it helpdesk conversations page by page, then Build the plan.
type Builder struct {
	cloudUpdates []platform.CaseUpdate
	cloudFiles   []platform.CaseFile

	// syncedToCloud holds helpdesk conversation ids found tagged on the
	// cloud side; syncedUpdates and syncedFiles hold cloud native ids found
	// tagged on the helpdesk side.
	syncedToCloud map[string]bool
	syncedUpdates map[string]bool
	syncedFiles   map[string]bool

	helpdesk   []platform.Conversation
	seen       int
	limit      int
	limited    bool
	noticeSeen bool
}

// NewBuilder applies the cloud-side exclusions: the case-opening update,
// attachment-added notices, helpdesk-tagged updates (recording their origin
// ids as synced), marker-suffixed files, and opening-update files.
func NewBuilder(updates []platform.CaseUpdate, files []platform.CaseFile, openingUpdateID string, maxConversations int) *Builder {
	b := &Builder{
		syncedToCloud: map[string]bool{},
		syncedUpdates: map[string]bool{},
		syncedFiles:   map[string]bool{},
		limit:         maxConversations,
	}

	helpdeskTagged := map[string]bool{}
	for _, update := range updates {
		if update.ID == openingUpdateID {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(update.Entry), attachmentNoticePrefix) {
			continue
		}
		if tag, ok := BodyTag(update.Entry, CloudLinefeed); ok && tag.Origin == OriginHelpdesk {
			b.syncedToCloud[tag.ID] = true
			helpdeskTagged[update.ID] = true
			continue
		}
		b.cloudUpdates = append(b.cloudUpdates, update)
	}

	for _, file := range files {
		if IsFromHelpdesk(file.Name) {
			continue
		}
		if file.UpdateID != "" && (file.UpdateID == openingUpdateID || helpdeskTagged[file.UpdateID]) {
			continue
		}
		b.cloudFiles = append(b.cloudFiles, file)
	}
	return b
}

// AddConversation feeds one helpdesk conversation in page order and reports
// whether paging should continue. Private notes and bridge notices are
// skipped; cloud-tagged replies mark their origin update (and any referenced
// file) synced; the rest are replay candidates until the cycle cap.
func (b *Builder) AddConversation(conv platform.Conversation) bool {
	if b.limited {
		return false
	}
	if conv.Private {
		return true
	}
	if tag, ok := BodyTag(conv.BodyHTML, HelpdeskLinefeed); ok {
		switch tag.Origin {
		case OriginNotice:
			b.noticeSeen = true
			return true
		case OriginCloud:
			b.syncedUpdates[tag.ID] = true
			if fileID, ok := ParseFileNotice(conv.BodyHTML); ok {
				b.syncedFiles[fileID] = true
			}
			return true
		}
	}
	if b.syncedToCloud[conv.ID] {
		return true
	}
	if b.seen >= b.limit {
		b.limited = true
		return false
	}
	b.seen++
	b.helpdesk = append(b.helpdesk, conv)
	return true
}

// NoticeSeen reports whether paging encountered an existing bridge notice,
// which guards against posting the same notice twice.
func (b *Builder) NoticeSeen() bool {
	return b.noticeSeen
}

// Build merges the surviving candidates into one ascending sequence.
func (b *Builder) Build() Plan {
	var items []Item
	for _, conv := range b.helpdesk {
		items = append(items, Item{Kind: KindHelpdeskConversation, Conversation: conv})
	}
	for _, update := range b.cloudUpdates {
		if b.syncedUpdates[update.ID] {
			continue
		}
		items = append(items, Item{Kind: KindCloudUpdate, Update: update})
	}
	for _, file := range b.cloudFiles {
		if b.syncedFiles[file.ID] {
			continue
		}
		items = append(items, Item{Kind: KindCloudFile, File: file})
	}

	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := items[i].createdAt(), items[j].createdAt()
		if ti != tj {
			return ti < tj
		}
		if items[i].Kind != items[j].Kind {
			return items[i].Kind < items[j].Kind
		}
		return items[i].id() < items[j].id()
	})
	return Plan{Items: items, Limited: b.limited}
}
