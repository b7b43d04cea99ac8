package replication

import (
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
)

// AttachmentWire is the fully-resolved form of an attachment ready to be
// BSON-encoded and sent to a peer: metadata plus the lazily-loaded byte
// payload (§4.4: "zero-size attachments carry an empty byte array").
type AttachmentWire struct {
	Metadata map[string]any `bson:"@metadata"`
	ID       string         `bson:"@id"`
	Etag     []byte         `bson:"@etag"`
	Data     []byte         `bson:"data"`
}

// encodeAttachmentsBSON encodes a slice of AttachmentWire records as a BSON
// array document, matching the wire format in §6 ("BSON array with keys
// @metadata, @id, @etag (bytes), data (bytes)").
func encodeAttachmentsBSON(attachments []AttachmentWire) ([]byte, error) {
	// A root-level BSON array is a document whose keys are the element
	// indexes "0", "1", ...
	root := make(bson.D, 0, len(attachments))
	for i, a := range attachments {
		root = append(root, bson.E{Key: strconv.Itoa(i), Value: bson.D{
			{Key: "@metadata", Value: a.Metadata},
			{Key: "@id", Value: a.ID},
			{Key: "@etag", Value: a.Etag},
			{Key: "data", Value: a.Data},
		}})
	}
	return bson.Marshal(root)
}
