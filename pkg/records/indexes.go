package records

import (
	"github.com/opendwn/core/pkg/message"
)

// buildIndexes constructs the flat index map a stored entry carries
// (spec §4.3 step 7): every descriptor field plus author/recordId/entryId/
// isLatestBaseState/published/permissionGrantId. permissionGrantId (the
// signature's grant, or else the author-delegated grant) is carried on
// the index (rather than only the authorization object) so
// the revocation-cascade task (§4.3 step 9, §4.8) can find every message
// a grant authorized by a single filtered query instead of a full scan.
func buildIndexes(msg *message.Message, p *principals, recordID, entryID string, isLatestBaseState bool) (map[string]interface{}, error) {
	idx, err := descriptorMap(msg.Descriptor)
	if err != nil {
		return nil, err
	}
	idx["author"] = p.Author
	idx["recordId"] = recordID
	idx["entryId"] = entryID
	idx["isLatestBaseState"] = isLatestBaseState
	idx["published"] = msg.Descriptor.PublishedOrFalse()
	if p.GrantID != "" {
		idx["permissionGrantId"] = p.GrantID
	} else if p.DelegatedGrantID != "" {
		idx["permissionGrantId"] = p.DelegatedGrantID
	}
	return idx, nil
}
