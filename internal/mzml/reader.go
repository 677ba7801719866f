package mzml

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"io"
	"math"
	"strconv"

	"golang.org/x/net/html/charset"
)

// CV accessions used by the accessor methods
const (
	cvScanStartTime       = `MS:1000016`
	cvMSLevel             = `MS:1000511`
	cvCentroidSpectrum    = `MS:1000127`
	cvTotalIonCurrent     = `MS:1000285`
	cvSelectedIonMz       = `MS:1000744`
	cvIsolationWindowMz   = `MS:1000827`
	cvZlibCompression     = `MS:1000574`
	cvMzArray             = `MS:1000514`
	cvIntensityArray      = `MS:1000515`
	cv64Bit               = `MS:1000523`
	cvRTUnitMinuteUO      = `UO:0000031`
	cvRTUnitMinuteMS      = `MS:1000038`
)

// Read reads an mzML file from an io.Reader
func Read(reader io.Reader) (MzML, error) {
	var mzML MzML

	d := xml.NewDecoder(reader)
	d.CharsetReader = charset.NewReaderLabel

	// We are only interested in mzML content, so skip over indexedmzML
	// and everything else
	for {
		t, tokenErr := d.Token()
		if tokenErr != nil {
			if tokenErr == io.EOF {
				break
			}
			return mzML, tokenErr
		}
		switch t := t.(type) {
		case xml.StartElement:
			if t.Name.Local == "mzML" {
				if err := d.DecodeElement(&mzML.content, &t); err != nil {
					return mzML, err
				}
			}
		}
	}

	err := mzML.traverseScan()
	return mzML, err
}

// binaryDataPars decodes the CV terms in an mzML binarydata section.
// MS-Numpress compression (MS:1002312..MS:1002748) is not supported
// and is reported as an error.
func binaryDataPars(binaryDataArray *binaryDataArray) (
	zlibCompression, bits64, mzArray, intensityArray bool, err error) {
	for _, cvParam := range binaryDataArray.CvPar {
		switch cvParam.Accession {
		case cvZlibCompression:
			zlibCompression = true
		case cvMzArray:
			mzArray = true
		case cvIntensityArray:
			intensityArray = true
		case cv64Bit:
			bits64 = true
		case `MS:1002312`, `MS:1002313`, `MS:1002314`,
			`MS:1002746`, `MS:1002747`, `MS:1002748`:
			err = ErrUnknownCompression
		}
	}
	return zlibCompression, bits64, mzArray, intensityArray, err
}

func fillScan(p []Peak, binaryDataArray *binaryDataArray) ([]Peak, error) {
	zlibCompression, bits64, mzArray, intensityArray, err :=
		binaryDataPars(binaryDataArray)
	if err != nil {
		return nil, err
	}
	// We are only interested in mz and intensity
	if !mzArray && !intensityArray {
		return p, nil
	}
	data, err := base64.StdEncoding.DecodeString(binaryDataArray.Binary)
	if err != nil {
		return nil, err
	}
	if zlibCompression {
		b := bytes.NewReader(data)
		z, err := zlib.NewReader(b)
		if err != nil {
			return nil, err
		}
		defer z.Close()
		d, err := io.ReadAll(z)
		if err != nil {
			return nil, err
		}
		data = d
	}
	if bits64 {
		cnt := len(data) / 8
		for i := 0; i < cnt; i++ {
			bits := binary.LittleEndian.Uint64(data[i*8:])
			if mzArray {
				p[i].Mz = math.Float64frombits(bits)
			} else {
				p[i].Intens = math.Float64frombits(bits)
			}
		}
	} else {
		cnt := len(data) / 4
		for i := 0; i < cnt; i++ {
			bits := binary.LittleEndian.Uint32(data[i*4:])
			if mzArray {
				p[i].Mz = float64(math.Float32frombits(bits))
			} else {
				p[i].Intens = float64(math.Float32frombits(bits))
			}
		}
	}
	return p, nil
}

// NumSpecs returns the number of spectra
func (f *MzML) NumSpecs() int {
	return len(f.content.Run.SpectrumList.Spectrum)
}

// RetentionTime returns the retention time of a spectrum in seconds
func (f *MzML) RetentionTime(scanIndex int) (float64, error) {
	if scanIndex < 0 || scanIndex >= f.NumSpecs() {
		return 0.0, ErrInvalidScanIndex
	}
	for _, scan := range f.content.Run.SpectrumList.Spectrum[scanIndex].ScanList.Scan {
		for _, cvParam := range scan.CvPar {
			if cvParam.Accession == cvScanStartTime {
				retentionTime, err := strconv.ParseFloat(cvParam.Value, 64)
				// Retention time in minutes is converted, otherwise
				// seconds are assumed
				if cvParam.UnitAccession == cvRTUnitMinuteUO ||
					cvParam.UnitAccession == cvRTUnitMinuteMS {
					retentionTime *= 60
				}
				return retentionTime, err
			}
		}
	}
	return -1.0, nil
}

// ReadScan reads the peaks of a single scan.
// scanIndex is the sequence number of the scan in the mzML file,
// not the scan number specified inside the file. To read a scan
// using the mzML scan id, use ReadScan(f, ScanIndex(f, scanID)).
func (f *MzML) ReadScan(scanIndex int) ([]Peak, error) {
	if scanIndex < 0 || scanIndex >= f.NumSpecs() {
		return nil, ErrInvalidScanIndex
	}
	p := make([]Peak, f.content.Run.SpectrumList.Spectrum[scanIndex].DefaultArrayLength)
	var err error
	for _, b := range f.content.Run.SpectrumList.Spectrum[scanIndex].BinaryDataArrayList.BinaryDataArray {
		p, err = fillScan(p, &b)
		if err != nil {
			return p, err
		}
	}
	return p, nil
}

// Centroid returns true if the spectrum contains centroid peaks
func (f *MzML) Centroid(scanIndex int) (bool, error) {
	if scanIndex < 0 || scanIndex >= f.NumSpecs() {
		return false, ErrInvalidScanIndex
	}
	for _, cvParam := range f.content.Run.SpectrumList.Spectrum[scanIndex].CvPar {
		if cvParam.Accession == cvCentroidSpectrum {
			return true, nil
		}
	}
	return false, nil
}

// TotalIonCurrent returns the total ion current, or NaN if not found
func (f *MzML) TotalIonCurrent(scanIndex int) (float64, error) {
	if scanIndex < 0 || scanIndex >= f.NumSpecs() {
		return 0.0, ErrInvalidScanIndex
	}
	for _, cvParam := range f.content.Run.SpectrumList.Spectrum[scanIndex].CvPar {
		if cvParam.Accession == cvTotalIonCurrent {
			tic, err := strconv.ParseFloat(cvParam.Value, 64)
			return tic, err
		}
	}
	return math.NaN(), nil
}

// MSLevel returns the MS level of a scan
func (f *MzML) MSLevel(scanIndex int) (int, error) {
	if scanIndex < 0 || scanIndex >= f.NumSpecs() {
		return 0, ErrInvalidScanIndex
	}
	for _, cvParam := range f.content.Run.SpectrumList.Spectrum[scanIndex].CvPar {
		if cvParam.Accession == cvMSLevel {
			msLevel, err := strconv.ParseInt(cvParam.Value, 10, 64)
			return int(msLevel), err
		}
	}
	return 1, nil // If nothing else, guess it's MS1
}

// Precursor describes the isolation that produced an MS2 spectrum
type Precursor struct {
	SelectedIonMz     float64 // m/z of the selected precursor ion
	IsolationTargetMz float64 // center of the isolation window
	SpectrumRef       string  // id of the parent MS1 spectrum, may be empty
}

// Precursor returns the precursor selection of an MS2 spectrum.
// When the isolation window target is absent, the selected ion m/z
// is used for both fields (and vice versa).
func (f *MzML) Precursor(scanIndex int) (Precursor, error) {
	var prec Precursor
	if scanIndex < 0 || scanIndex >= f.NumSpecs() {
		return prec, ErrInvalidScanIndex
	}
	pl := f.content.Run.SpectrumList.Spectrum[scanIndex].PrecursorList
	if len(pl) == 0 || len(pl[0].Precursor) == 0 {
		return prec, ErrNoPrecursor
	}
	p := pl[0].Precursor[0]
	prec.SpectrumRef = p.SpectrumRef
	for _, cvParam := range p.IsolationWindow.CvPar {
		if cvParam.Accession == cvIsolationWindowMz {
			prec.IsolationTargetMz, _ = strconv.ParseFloat(cvParam.Value, 64)
		}
	}
	for _, si := range p.SelectedIonList.SelectedIon {
		for _, cvParam := range si.CvPar {
			if cvParam.Accession == cvSelectedIonMz {
				prec.SelectedIonMz, _ = strconv.ParseFloat(cvParam.Value, 64)
			}
		}
	}
	if prec.SelectedIonMz == 0 {
		prec.SelectedIonMz = prec.IsolationTargetMz
	}
	if prec.IsolationTargetMz == 0 {
		prec.IsolationTargetMz = prec.SelectedIonMz
	}
	return prec, nil
}

// traverseScan collects info of all scans and fills the arrays
// f.index2id and f.id2Index to make scans accessible by id
func (f *MzML) traverseScan() error {
	f.index2id = make([]string, f.NumSpecs())
	f.id2Index = make(map[string]int, f.NumSpecs())

	for i := range f.content.Run.SpectrumList.Spectrum {
		if i != f.content.Run.SpectrumList.Spectrum[i].Index {
			return ErrInvalidScanIndex
		}
		f.index2id[i] = f.content.Run.SpectrumList.Spectrum[i].ID
		f.id2Index[f.content.Run.SpectrumList.Spectrum[i].ID] = i
	}
	return nil
}

// ScanIndex converts a scan identifier (the string used in the mzML file)
// into an index that is used to access the scans
func (f *MzML) ScanIndex(scanID string) (int, error) {
	if index, ok := f.id2Index[scanID]; ok {
		return index, nil
	}
	return 0, ErrInvalidScanID
}

// ScanID converts a scan index (used to access the scan data) into a scan id
// (used in the mzML file)
func (f *MzML) ScanID(scanIndex int) (string, error) {
	if scanIndex >= 0 && scanIndex < f.NumSpecs() {
		return f.index2id[scanIndex], nil
	}
	return "", ErrInvalidScanIndex
}
