package apkinsight

import (
	"testing"
)

// buildManifestAxml assembles a minimal but representative manifest: a
// root package attribute, a <uses-sdk> with integer attributes, and an
// <application>/<activity> with a MAIN/LAUNCHER intent-filter.
func buildManifestAxml(pkgName string) []byte {
	var sb strPoolBuilder
	const noNs = 0xFFFFFFFF
	androidNs := sb.Add("http://schemas.android.com/apk/res/android")

	manifestIdx := sb.Add("manifest")
	packageIdx := sb.Add("package")
	pkgNameIdx := sb.Add(pkgName)

	usesSdkIdx := sb.Add("uses-sdk")
	minSdkIdx := sb.Add("minSdkVersion")

	appIdx := sb.Add("application")
	activityIdx := sb.Add("activity")
	nameIdx := sb.Add("name")
	mainActivityIdx := sb.Add(".MainActivity")

	intentFilterIdx := sb.Add("intent-filter")
	actionIdx := sb.Add("action")
	categoryIdx := sb.Add("category")
	actionNameIdx := sb.Add("android.intent.action.MAIN")
	categoryNameIdx := sb.Add("android.intent.category.LAUNCHER")

	manifestStart := buildTagStart(noNs, manifestIdx, []axmlAttr{
		{nsIdx: noNs, nameIdx: packageIdx, val: buildResValue(AttrTypeString, pkgNameIdx)},
	})
	usesSdkStart := buildTagStart(noNs, usesSdkIdx, []axmlAttr{
		{nsIdx: androidNs, nameIdx: minSdkIdx, val: buildResValue(AttrTypeIntDec, 21)},
	})
	usesSdkEnd := buildTagEnd(noNs, usesSdkIdx)

	appStart := buildTagStart(noNs, appIdx, nil)
	activityStart := buildTagStart(noNs, activityIdx, []axmlAttr{
		{nsIdx: androidNs, nameIdx: nameIdx, val: buildResValue(AttrTypeString, mainActivityIdx)},
	})
	intentFilterStart := buildTagStart(noNs, intentFilterIdx, nil)
	actionStart := buildTagStart(noNs, actionIdx, []axmlAttr{
		{nsIdx: androidNs, nameIdx: nameIdx, val: buildResValue(AttrTypeString, actionNameIdx)},
	})
	actionEnd := buildTagEnd(noNs, actionIdx)
	categoryStart := buildTagStart(noNs, categoryIdx, []axmlAttr{
		{nsIdx: androidNs, nameIdx: nameIdx, val: buildResValue(AttrTypeString, categoryNameIdx)},
	})
	categoryEnd := buildTagEnd(noNs, categoryIdx)
	intentFilterEnd := buildTagEnd(noNs, intentFilterIdx)
	activityEnd := buildTagEnd(noNs, activityIdx)
	appEnd := buildTagEnd(noNs, appIdx)
	manifestEnd := buildTagEnd(noNs, manifestIdx)

	return buildAxmlDoc(chunkAxmlFile, sb.Bytes(),
		manifestStart,
		usesSdkStart, usesSdkEnd,
		appStart,
		activityStart,
		intentFilterStart, actionStart, actionEnd, categoryStart, categoryEnd, intentFilterEnd,
		activityEnd,
		appEnd,
		manifestEnd,
	)
}

func TestOpenReaderBasicApk(t *testing.T) {
	manifest := buildManifestAxml("com.example.app")
	data := buildZip([]zipEntryBuilder{
		{name: "AndroidManifest.xml", method: 0, data: manifest, compressedSize: uint32(len(manifest)), uncompressedSize: uint32(len(manifest))},
		{name: "classes.dex", method: 0, data: []byte("dex"), compressedSize: 3, uncompressedSize: 3},
	})

	apk, err := OpenReader(data, nil)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if apk.IsTampered {
		t.Fatalf("well-formed apk should not be tampered")
	}

	pkg, ok := apk.PackageName()
	if !ok || pkg != "com.example.app" {
		t.Fatalf("PackageName() = %q,%v want com.example.app,true", pkg, ok)
	}
	if min, ok := apk.MinSdkVersion(); !ok || min != "21" {
		t.Fatalf("MinSdkVersion() = %q,%v want 21,true", min, ok)
	}
	if apk.IsMultidex {
		t.Fatalf("a single classes.dex should not be multidex")
	}

	mains := apk.MainActivities()
	if len(mains) != 1 || mains[0] != ".MainActivity" {
		t.Fatalf("MainActivities() = %v, want [.MainActivity]", mains)
	}

	xmlOut := apk.XML()
	if xmlOut == "" {
		t.Fatalf("XML() returned empty output")
	}
}

func TestOpenReaderMultidex(t *testing.T) {
	manifest := buildManifestAxml("com.example.multi")
	data := buildZip([]zipEntryBuilder{
		{name: "AndroidManifest.xml", method: 0, data: manifest, compressedSize: uint32(len(manifest)), uncompressedSize: uint32(len(manifest))},
		{name: "classes.dex", method: 0, data: []byte("a"), compressedSize: 1, uncompressedSize: 1},
		{name: "classes2.dex", method: 0, data: []byte("b"), compressedSize: 1, uncompressedSize: 1},
	})

	apk, err := OpenReader(data, nil)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if !apk.IsMultidex {
		t.Fatalf("two classesN.dex entries should report multidex")
	}
}

func TestOpenReaderXAPKIndirection(t *testing.T) {
	manifest := buildManifestAxml("com.example.xapk")
	inner := buildZip([]zipEntryBuilder{
		{name: "AndroidManifest.xml", method: 0, data: manifest, compressedSize: uint32(len(manifest)), uncompressedSize: uint32(len(manifest))},
	})

	manifestJSON := []byte(`{"package_name":"com.example.xapk"}`)
	outer := buildZip([]zipEntryBuilder{
		{name: "manifest.json", method: 0, data: manifestJSON, compressedSize: uint32(len(manifestJSON)), uncompressedSize: uint32(len(manifestJSON))},
		{name: "com.example.xapk.apk", method: 0, data: inner, compressedSize: uint32(len(inner)), uncompressedSize: uint32(len(inner))},
	})

	apk, err := OpenReader(outer, nil)
	if err != nil {
		t.Fatalf("OpenReader (xapk): %v", err)
	}
	pkg, ok := apk.PackageName()
	if !ok || pkg != "com.example.xapk" {
		t.Fatalf("PackageName() = %q,%v want com.example.xapk,true", pkg, ok)
	}
}

func TestOpenReaderMissingManifestIsNotFound(t *testing.T) {
	data := buildZip([]zipEntryBuilder{
		{name: "classes.dex", method: 0, data: []byte("x"), compressedSize: 1, uncompressedSize: 1},
	})
	if _, err := OpenReader(data, nil); err == nil {
		t.Fatalf("expected an error when AndroidManifest.xml is absent")
	}
}

func TestReadAndNamesRefuseDotDotSegments(t *testing.T) {
	manifest := buildManifestAxml("com.example.traversal")
	data := buildZip([]zipEntryBuilder{
		{name: "AndroidManifest.xml", method: 0, data: manifest, compressedSize: uint32(len(manifest)), uncompressedSize: uint32(len(manifest))},
		{name: "../../etc/passwd", method: 0, data: []byte("evil"), compressedSize: 4, uncompressedSize: 4},
	})

	apk, err := OpenReader(data, nil)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}

	for _, name := range apk.Names() {
		if name == "../../etc/passwd" {
			t.Fatalf("Names() leaked a \"..\" entry: %v", apk.Names())
		}
	}

	if _, _, err := apk.Read("../../etc/passwd"); err == nil {
		t.Fatalf("Read should refuse a name containing a \"..\" segment")
	}

	// The reader underneath stays verbatim and unaware of the policy.
	if _, _, err := apk.zip.Read("../../etc/passwd"); err != nil {
		t.Fatalf("underlying ZipReader.Read should still resolve the raw name: %v", err)
	}
}

func TestDecodeEnumAttrConfigChangesAndEnum(t *testing.T) {
	var sb strPoolBuilder
	const noNs = 0xFFFFFFFF
	androidNs := sb.Add("http://schemas.android.com/apk/res/android")
	manifestIdx := sb.Add("manifest")
	appIdx := sb.Add("application")
	activityIdx := sb.Add("activity")
	configChangesIdx := sb.Add("configChanges")
	launchModeIdx := sb.Add("launchMode")

	manifestStart := buildTagStart(noNs, manifestIdx, nil)
	appStart := buildTagStart(noNs, appIdx, nil)
	// orientation(0x0080) | screenSize(0x0400) = 0x0480
	activityStart := buildTagStart(noNs, activityIdx, []axmlAttr{
		{nsIdx: androidNs, nameIdx: configChangesIdx, val: buildResValue(AttrTypeIntHex, 0x0480)},
		{nsIdx: androidNs, nameIdx: launchModeIdx, val: buildResValue(AttrTypeIntDec, 1)},
	})
	activityEnd := buildTagEnd(noNs, activityIdx)
	appEnd := buildTagEnd(noNs, appIdx)
	manifestEnd := buildTagEnd(noNs, manifestIdx)

	doc := buildAxmlDoc(chunkAxmlFile, sb.Bytes(), manifestStart, appStart, activityStart, activityEnd, appEnd, manifestEnd)
	data := buildZip([]zipEntryBuilder{
		{name: "AndroidManifest.xml", method: 0, data: doc, compressedSize: uint32(len(doc)), uncompressedSize: uint32(len(doc))},
	})

	apk, err := OpenReader(data, nil)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}

	cc, ok := apk.DecodeEnumAttr("activity", "configChanges")
	if !ok || cc != "orientation|screenSize" {
		t.Fatalf("DecodeEnumAttr(configChanges) = %q,%v want orientation|screenSize,true", cc, ok)
	}
	lm, ok := apk.DecodeEnumAttr("activity", "launchMode")
	if !ok || lm != "singleTop" {
		t.Fatalf("DecodeEnumAttr(launchMode) = %q,%v want singleTop,true", lm, ok)
	}
}
