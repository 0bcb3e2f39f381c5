package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"smarthvf/internal/logging"
	"smarthvf/internal/models"
)

// PatientsDir is the directory below the store root holding one
// sub-directory per patient.
const PatientsDir = "Patients"

var (
	// ErrPatientExists is returned when creating a patient whose directory
	// is already present.
	ErrPatientExists = errors.New("patient data directory already exists")
	// ErrPatientNotFound is returned when a patient directory or file is missing.
	ErrPatientNotFound = errors.New("patient not found")
)

// Store reads and writes patient directories below Root:
//
//	<Root>/Patients/<Name>-<guid chunk>/<Name>-<guid chunk>.<ext>
//	<Root>/Patients/<Name>-<guid chunk>/<record ID>.<ext>
type Store struct {
	Root  string
	Codec Codec
}

// New returns a store rooted at root. A nil codec selects XML.
func New(root string, codec Codec) *Store {
	if codec == nil {
		codec = XML
	}
	return &Store{Root: root, Codec: codec}
}

// PatientDir returns the directory of p.
func (s *Store) PatientDir(p *models.Patient) string {
	return filepath.Join(s.Root, PatientsDir, p.DirName())
}

// PatientFile returns the patient document path of p.
func (s *Store) PatientFile(p *models.Patient) string {
	return filepath.Join(s.PatientDir(p), p.DirName()+s.Codec.Ext())
}

// RecordFile returns the document path of rec for patient p.
func (s *Store) RecordFile(p *models.Patient, rec *models.TestRecord) string {
	return filepath.Join(s.PatientDir(p), rec.ID+s.Codec.Ext())
}

// CreatePatient creates the directory and document of a new patient.
func (s *Store) CreatePatient(p *models.Patient) error {
	dir := s.PatientDir(p)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %s", ErrPatientExists, dir)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fmt.Errorf("failed to create patients directory: %w", err)
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrPatientExists, dir)
		}
		return fmt.Errorf("failed to create patient directory: %w", err)
	}
	logging.Logger().Info("created patient", "dir", dir)
	return s.SavePatient(p)
}

// SavePatient writes the patient document, history included.
func (s *Store) SavePatient(p *models.Patient) error {
	doc := EncodePatient(p)
	return s.write(s.PatientFile(p), &doc)
}

// SaveRecord writes rec into the directory of p and returns the file path.
func (s *Store) SaveRecord(p *models.Patient, rec *models.TestRecord) (string, error) {
	doc := EncodeRecord(rec)
	path := s.RecordFile(p, rec)
	if err := s.write(path, &doc); err != nil {
		return "", err
	}
	return path, nil
}

// AppendRecord persists rec and the patient document with rec appended, then
// adds rec to the history of p. On failure the history is left unchanged and
// no record file is kept.
func (s *Store) AppendRecord(p *models.Patient, rec *models.TestRecord) (string, error) {
	if rec.PatientID == "" {
		rec.PatientID = p.GUID
	}
	path, err := s.SaveRecord(p, rec)
	if err != nil {
		return "", err
	}
	doc := EncodePatient(p)
	doc.Records = append(doc.Records, EncodeRecord(rec))
	if err := s.write(s.PatientFile(p), &doc); err != nil {
		os.Remove(path)
		return "", err
	}
	p.AppendRecord(rec)
	logging.Logger().Info("saved test", "patient", p.DirName(), "record", rec.ID, "file", path)
	return path, nil
}

// LoadPatient reads the patient document from a patient directory. Any of
// the supported formats is accepted, the store's own first.
func (s *Store) LoadPatient(dir string) (*models.Patient, error) {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: no directory %s", ErrPatientNotFound, dir)
	}
	base := filepath.Base(filepath.Clean(dir))
	for _, c := range s.codecOrder() {
		path := filepath.Join(dir, base+c.Ext())
		if _, err := os.Stat(path); err == nil {
			return LoadPatientFile(path)
		}
	}
	return nil, fmt.Errorf("%w: no patient file in %s", ErrPatientNotFound, dir)
}

// FindPatient loads the patient stored under dirName ("Name-guidchunk").
func (s *Store) FindPatient(dirName string) (*models.Patient, error) {
	return s.LoadPatient(filepath.Join(s.Root, PatientsDir, dirName))
}

// ListPatients returns the patient directory names in sorted order.
func (s *Store) ListPatients() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, PatientsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadPatientFile reads a patient document. The format follows the extension.
func LoadPatientFile(path string) (*models.Patient, error) {
	var doc PatientDoc
	if err := read(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, path)
		}
		return nil, err
	}
	p, err := DecodePatient(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// LoadRecord reads a single test document. The format follows the extension.
func LoadRecord(path string) (*models.TestRecord, error) {
	var doc RecordDoc
	if err := read(path, &doc); err != nil {
		return nil, err
	}
	rec, err := DecodeRecord(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

func (s *Store) codecOrder() []Codec {
	order := []Codec{s.Codec}
	for _, c := range Codecs {
		if c.Ext() != s.Codec.Ext() {
			order = append(order, c)
		}
	}
	return order
}

// write stores v at path through a temporary file so readers never see a
// partial document.
func (s *Store) write(path string, v any) error {
	data, err := s.Codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func read(path string, v any) error {
	codec, ok := codecForExt(filepath.Ext(path))
	if !ok {
		return fmt.Errorf("unknown document format: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
