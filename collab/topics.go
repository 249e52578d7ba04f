package collab

// Topic names. Server pushes arrive on the Topic* functions without a verb;
// client announcements go to the join, leave and share destinations.
const (
	TopicFilterPresets     = "filter-presets"
	TopicFilterPresetShare = "filter-preset/share"
)

func dossierTopic(dossierID, suffix string) string {
	return "dossier/" + dossierID + "/" + suffix
}

func TopicPresence(dossierID string) string { return dossierTopic(dossierID, "presence") }
func TopicViewers(dossierID string) string  { return dossierTopic(dossierID, "viewers") }
func TopicCursor(dossierID string) string   { return dossierTopic(dossierID, "cursor") }
func TopicEdit(dossierID string) string     { return dossierTopic(dossierID, "edit") }
func TopicActivity(dossierID string) string { return dossierTopic(dossierID, "activity") }
func TopicConflict(dossierID string) string { return dossierTopic(dossierID, "conflict") }
func TopicJoin(dossierID string) string     { return dossierTopic(dossierID, "join") }
func TopicLeave(dossierID string) string    { return dossierTopic(dossierID, "leave") }

// TopicParticipantPresets is the private preset queue of a participant.
func TopicParticipantPresets(participantID string) string {
	return "participant/" + participantID + "/filter-presets"
}
