package verification

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/store"
)

var reviewHeader = []string{
	"record_id", "original_place_id", "place_name",
	"candidate_name", "candidate_address",
	"confidence_score", "confidence_level",
	"name_score", "address_score", "distance_score", "category_score",
	"status", "verified_by", "notes",
}

// ExportReviewSheet writes every match record of a session to an xlsx file
// for offline review, one row per record, and returns the row count.
func (s *Service) ExportReviewSheet(ctx context.Context, sessionID, path string) (int, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	records, err := s.store.ListMatchRecords(ctx, store.RecordFilter{SessionID: sessionID})
	if err != nil {
		return 0, err
	}

	placeNames := make(map[string]string)
	places, err := s.store.ListPlacesByPack(ctx, sess.PackID)
	if err != nil {
		return 0, err
	}
	for _, p := range places {
		placeNames[p.ID] = p.Name
	}

	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Matches")
	if err != nil {
		return 0, eris.Wrap(err, "verification: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range reviewHeader {
		header.AddCell().Value = h
	}

	for _, rec := range records {
		row := sheet.AddRow()
		row.AddCell().Value = rec.ID
		row.AddCell().Value = rec.OriginalPlaceID
		row.AddCell().Value = placeNames[rec.OriginalPlaceID]

		target := rec.EffectiveTarget()
		if target != nil {
			row.AddCell().Value = target.Name
			row.AddCell().Value = target.Address
		} else {
			row.AddCell()
			row.AddCell()
		}

		row.AddCell().SetInt(rec.ConfidenceScore)
		row.AddCell().Value = string(rec.ConfidenceLevel)

		factors := factorScores(rec.MatchFactors)
		for _, ft := range []model.FactorType{model.FactorName, model.FactorAddress, model.FactorDistance, model.FactorCategory} {
			cell := row.AddCell()
			if score, ok := factors[ft]; ok {
				cell.Value = strconv.Itoa(score)
			}
		}

		row.AddCell().Value = string(rec.VerificationStatus)
		row.AddCell().Value = rec.VerifiedBy
		row.AddCell().Value = rec.UserNotes
	}

	if err := file.Save(path); err != nil {
		return 0, eris.Wrapf(err, "verification: save review sheet %s", path)
	}
	s.log.Info("review sheet exported",
		zap.String("session_id", sessionID),
		zap.String("path", path),
		zap.Int("records", len(records)),
	)
	return len(records), nil
}

func factorScores(factors []model.MatchFactor) map[model.FactorType]int {
	out := make(map[model.FactorType]int, len(factors))
	for _, f := range factors {
		out[f.Type] = f.Score
	}
	return out
}
